package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type capture struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]any
}

func (c *capture) record(r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	json.Unmarshal(raw, &body)
	c.paths = append(c.paths, r.URL.Path)
	c.bodies = append(c.bodies, body)
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *capture) {
	t.Helper()
	rec := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	c := New(Config{Host: srv.URL + "/", APIKey: "secret", AgentID: "monitoring", Timeout: 200 * time.Millisecond}, zerolog.Nop())
	return c, rec
}

func TestSendOrder_Success(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1"))
	})
	res := c.SendOrder(context.Background(), 12, "enable_monitoring", json.RawMessage(`{"category":"weight"}`))
	if !res.OK() {
		t.Fatalf("expected success, got %v (%v)", res.Status, res.Err)
	}
	if rec.paths[0] != "/api/agents/order" {
		t.Errorf("unexpected path %s", rec.paths[0])
	}
	body := rec.bodies[0]
	if body["order"] != "enable_monitoring" || body["contract_id"] != float64(12) || body["agent_id"] != "monitoring" || body["api_key"] != "secret" {
		t.Errorf("unexpected body %v", body)
	}
	params, _ := body["params"].(map[string]any)
	if params["category"] != "weight" {
		t.Errorf("params must pass through unmodified, got %v", body["params"])
	}
}

func TestSendOrder_NotConfirmed(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0"))
	})
	res := c.SendOrder(context.Background(), 1, "add_medicine", nil)
	if res.Status != StatusFailure || !errors.Is(res.Err, ErrRejected) {
		t.Errorf("expected rejected failure, got %v (%v)", res.Status, res.Err)
	}
}

func TestSendOrder_ServerError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	res := c.SendOrder(context.Background(), 1, "add_medicine", nil)
	if res.Status != StatusFailure {
		t.Errorf("expected failure, got %v", res.Status)
	}
}

func TestSendOrder_Timeout(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	res := c.SendOrder(context.Background(), 1, "add_medicine", nil)
	if res.Status != StatusTimeout {
		t.Errorf("expected timeout, got %v (%v)", res.Status, res.Err)
	}
}

func TestSendOrder_Unreachable(t *testing.T) {
	c := New(Config{Host: "http://127.0.0.1:1", Timeout: time.Second}, zerolog.Nop())
	res := c.SendOrder(context.Background(), 1, "x", nil)
	if res.OK() || res.Err == nil {
		t.Errorf("expected failure for unreachable agent, got %v", res.Status)
	}
}

func TestSendMessage_Audience(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	res := c.SendMessage(context.Background(), 3, Message{Text: "hi", Urgent: true, Audience: AudienceDoctor, NeedAnswer: true})
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	msg, _ := rec.bodies[0]["message"].(map[string]any)
	if msg["text"] != "hi" || msg["is_urgent"] != true || msg["only_doctor"] != true || msg["only_patient"] != false || msg["need_answer"] != true {
		t.Errorf("unexpected message %v", msg)
	}
}

func TestGetRecords(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"values":[{"timestamp":1700000100,"value":71.5},{"timestamp":1700000000,"value":70}]}`))
	})
	from := time.Unix(1699990000, 0)
	recs, res := c.GetRecords(context.Background(), 4, RecordQuery{Category: "weight", From: from, Limit: 1})
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if len(recs) != 2 || recs[0].Value != 71.5 || recs[0].Timestamp.Unix() != 1700000100 {
		t.Errorf("unexpected records %+v", recs)
	}
	body := rec.bodies[0]
	if body["category"] != "weight" || body["time_from"] != float64(1699990000) || body["limit"] != float64(1) {
		t.Errorf("unexpected query %v", body)
	}
	if _, ok := body["time_to"]; ok {
		t.Error("unbounded time_to must be omitted")
	}
}

func TestGetRecords_BadBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	if _, res := c.GetRecords(context.Background(), 4, RecordQuery{Category: "weight"}); res.Status != StatusFailure {
		t.Errorf("expected failure, got %v", res.Status)
	}
}

func TestAddRecords(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if res := c.AddRecords(context.Background(), 5, nil); !res.OK() || len(rec.paths) != 0 {
		t.Fatal("empty batches must not call the agent")
	}
	res := c.AddRecords(context.Background(), 5, []Measurement{{Category: "headache", Value: 6}})
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	values, _ := rec.bodies[0]["values"].([]any)
	if rec.paths[0] != "/api/agents/records/add" || len(values) != 1 {
		t.Errorf("unexpected request %s %v", rec.paths[0], rec.bodies[0])
	}
}

func TestRateLimiterHonoursContext(t *testing.T) {
	c := New(Config{Host: "http://127.0.0.1:1", RPS: 0.001, Burst: 1, Timeout: time.Second}, zerolog.Nop())
	c.limiter.Allow() // drain the only token

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := c.SendMessage(ctx, 1, Message{Text: "x"})
	if res.OK() {
		t.Error("expected failure while rate limited")
	}
}

func TestStatusString(t *testing.T) {
	for s, want := range map[Status]string{StatusSuccess: "success", StatusFailure: "failure", StatusTimeout: "timeout"} {
		if s.String() != want {
			t.Errorf("%d.String() = %s, want %s", s, s.String(), want)
		}
	}
}
