package contract

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careagent/pregnancy/internal/domain/catalog"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the agent-facing contract routes on an authenticated group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/status", h.Status)
	g.POST("/init", h.Init)
	g.POST("/remove", h.Remove)
	g.GET("/settings", h.GetSettings)
	g.POST("/settings", h.SaveSettings)
}

// ID accepts a contract id sent either as a JSON number or a string.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return errors.New("contract_id must be an integer")
	}
	*id = ID(n)
	return nil
}

type initRequest struct {
	ContractID *ID            `json:"contract_id"`
	Preset     string         `json:"preset"`
	Params     map[string]any `json:"params"`
}

type removeRequest struct {
	ContractID *ID `json:"contract_id"`
}

type settingsRequest struct {
	Week   *int            `json:"week"`
	IsBorn *bool           `json:"is_born"`
	Risks  map[string]bool `json:"risks"`
}

type statusResponse struct {
	IsTrackingData     bool     `json:"is_tracking_data"`
	SupportedScenarios []string `json:"supported_scenarios"`
	TrackedContracts   []int64  `json:"tracked_contracts"`
}

func (h *Handler) Status(c echo.Context) error {
	ids, err := h.svc.ListIDs(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, statusResponse{
		IsTrackingData:     true,
		SupportedScenarios: []string{PresetPregnancy},
		TrackedContracts:   ids,
	})
}

func (h *Handler) Init(c echo.Context) error {
	var req initRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ContractID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "contract_id is required")
	}
	id := int64(*req.ContractID)
	if err := h.svc.Enroll(c.Request().Context(), id, req.Preset, req.Params); err != nil {
		h.logger.Error().Err(err).Int64("contract_id", id).Msg("enrollment failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "error")
	}
	return c.String(http.StatusOK, "ok")
}

func (h *Handler) Remove(c echo.Context) error {
	var req removeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ContractID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "contract_id is required")
	}
	id := int64(*req.ContractID)
	err := h.svc.Deactivate(c.Request().Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		h.logger.Warn().Int64("contract_id", id).Msg("remove for unknown contract")
	case err != nil:
		h.logger.Error().Err(err).Int64("contract_id", id).Msg("deactivation failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "error")
	default:
		h.logger.Info().Int64("contract_id", id).Msg("contract deactivated")
	}
	return c.String(http.StatusOK, "ok")
}

func (h *Handler) GetSettings(c echo.Context) error {
	id, err := queryContractID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.View(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "contract not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) SaveSettings(c echo.Context) error {
	id, err := queryContractID(c)
	if err != nil {
		return err
	}
	var req settingsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	in := Settings{Week: req.Week, IsBorn: req.IsBorn}
	if len(req.Risks) > 0 {
		in.Risks = make(map[catalog.RiskCode]bool, len(req.Risks))
		for code, on := range req.Risks {
			in.Risks[catalog.RiskCode(code)] = on
		}
	}

	err = h.svc.UpdateSettings(c.Request().Context(), id, in)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "contract not found")
	case errors.Is(err, ErrInvalidSettings):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.String(http.StatusOK, "ok")
}

func queryContractID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.QueryParam("contract_id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid contract_id")
	}
	return id, nil
}
