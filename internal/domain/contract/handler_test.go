package contract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHandler() (*Handler, *mockRepo, *echo.Echo) {
	svc, repo, _ := newTestService()
	return NewHandler(svc, zerolog.Nop()), repo, echo.New()
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestHandler_Init(t *testing.T) {
	h, repo, e := newTestHandler()
	body := `{"api_key":"k","contract_id":"17","preset":"pregnancy","params":{"week":10,"risk_pe":true}}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/init", body), rec)
	if err := h.Init(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("expected 200 ok, got %d %q", rec.Code, rec.Body.String())
	}
	got, err := repo.Get(context.Background(), 17)
	if err != nil {
		t.Fatalf("expected contract 17: %v", err)
	}
	if !got.RiskCodes.Has("risk_pe") {
		t.Error("expected risk_pe")
	}
}

func TestHandler_Init_MissingID(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(jsonRequest(http.MethodPost, "/init", `{"preset":"pregnancy"}`), httptest.NewRecorder())
	err := h.Init(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Init_BadID(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(jsonRequest(http.MethodPost, "/init", `{"contract_id":"abc"}`), httptest.NewRecorder())
	if err := h.Init(c); err == nil {
		t.Error("expected error for non-numeric contract_id")
	}
}

func TestHandler_Remove(t *testing.T) {
	h, repo, e := newTestHandler()
	h.svc.Enroll(context.Background(), 2, "", nil)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/remove", `{"contract_id":2}`), rec)
	if err := h.Remove(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := repo.Get(context.Background(), 2); got.Active {
		t.Error("expected contract to be deactivated")
	}

	// unknown contracts are acknowledged
	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodPost, "/remove", `{"contract_id":404}`), rec)
	if err := h.Remove(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("expected ok, got %q", rec.Body.String())
	}
}

func TestHandler_Status(t *testing.T) {
	h, _, e := newTestHandler()
	h.svc.Enroll(context.Background(), 9, "", nil)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/status", `{}`), rec)
	if err := h.Status(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.IsTrackingData || len(resp.SupportedScenarios) != 1 || resp.SupportedScenarios[0] != "pregnancy" {
		t.Errorf("unexpected status %+v", resp)
	}
	if len(resp.TrackedContracts) != 1 || resp.TrackedContracts[0] != 9 {
		t.Errorf("expected tracked contract 9, got %v", resp.TrackedContracts)
	}
}

func TestHandler_GetSettings(t *testing.T) {
	h, _, e := newTestHandler()
	h.svc.Enroll(context.Background(), 4, PresetPregnancy, map[string]any{"week": float64(22)})

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/settings?contract_id=4", nil), rec)
	if err := h.GetSettings(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var view SettingsView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ContractID != 4 || view.Week == nil || *view.Week != 22 {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestHandler_GetSettings_Errors(t *testing.T) {
	h, _, e := newTestHandler()
	tests := []struct {
		target string
		code   int
	}{
		{"/settings", http.StatusBadRequest},
		{"/settings?contract_id=x", http.StatusBadRequest},
		{"/settings?contract_id=404", http.StatusNotFound},
	}
	for _, tt := range tests {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, tt.target, nil), httptest.NewRecorder())
		err := h.GetSettings(c)
		if he, ok := err.(*echo.HTTPError); !ok || he.Code != tt.code {
			t.Errorf("%s: expected %d, got %v", tt.target, tt.code, err)
		}
	}
}

func TestHandler_SaveSettings(t *testing.T) {
	h, repo, e := newTestHandler()
	h.svc.Enroll(context.Background(), 5, "", nil)

	rec := httptest.NewRecorder()
	body := `{"api_key":"k","week":14,"is_born":false,"risks":{"risk_vrt":true}}`
	c := e.NewContext(jsonRequest(http.MethodPost, "/settings?contract_id=5", body), rec)
	if err := h.SaveSettings(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := repo.Get(context.Background(), 5)
	if week, _ := got.CurrentWeek(testNow); week != 14 {
		t.Errorf("expected week 14, got %d", week)
	}
	if !got.RiskCodes.Has("risk_vrt") {
		t.Error("expected risk_vrt")
	}
}

func TestHandler_SaveSettings_Invalid(t *testing.T) {
	h, _, e := newTestHandler()
	h.svc.Enroll(context.Background(), 5, "", nil)

	c := e.NewContext(jsonRequest(http.MethodPost, "/settings?contract_id=5", `{"week":45}`), httptest.NewRecorder())
	err := h.SaveSettings(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, "/settings?contract_id=6", `{"week":5}`), httptest.NewRecorder())
	err = h.SaveSettings(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
