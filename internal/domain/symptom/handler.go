package symptom

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careagent/pregnancy/internal/domain/contract"
)

// thanksPage closes the questionnaire frame in the agent's UI.
const thanksPage = `<strong>Thank you, this window can be closed</strong>` +
	`<script>window.parent.postMessage('close-modal-success','*');</script>`

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/frame", h.Submit)
}

// Submit accepts a questionnaire as a form post or a flat JSON object.
func (h *Handler) Submit(c echo.Context) error {
	id, err := strconv.ParseInt(c.QueryParam("contract_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid contract_id")
	}

	fields, err := answers(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	_, err = h.svc.Record(c.Request().Context(), id, fields)
	if errors.Is(err, contract.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "contract not found")
	}
	if err != nil {
		h.logger.Error().Err(err).Int64("contract_id", id).Msg("symptom questionnaire failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "error")
	}
	return c.HTML(http.StatusOK, thanksPage)
}

func answers(c echo.Context) (map[string]string, error) {
	fields := make(map[string]string)
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		var raw map[string]any
		if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
			return nil, errors.New("malformed questionnaire")
		}
		for k, v := range raw {
			switch x := v.(type) {
			case string:
				fields[k] = x
			case float64:
				fields[k] = strconv.FormatFloat(x, 'f', -1, 64)
			}
		}
		return fields, nil
	}

	form, err := c.FormParams()
	if err != nil {
		return nil, errors.New("malformed questionnaire")
	}
	for k, v := range form {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return fields, nil
}
