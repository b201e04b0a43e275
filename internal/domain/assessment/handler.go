package assessment

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caredroid/clinicalcalc/internal/platform/auth"
	"github.com/caredroid/clinicalcalc/internal/platform/middleware"
	"github.com/caredroid/clinicalcalc/pkg/pagination"
	"github.com/caredroid/clinicalcalc/pkg/scoring"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Clinical staff
	clinical := api.Group("", auth.RequireRole("admin", "physician", "nurse", "pharmacist"))
	clinical.GET("/calculators", h.ListCalculators)
	clinical.GET("/calculators/available", h.AvailableCalculators)
	clinical.GET("/calculators/statistics", h.Statistics)
	clinical.GET("/calculators/:id", h.GetCalculator)
	clinical.POST("/calculators/:id/validate", h.Validate)
	clinical.POST("/calculators/:id/execute", h.Execute)
	clinical.POST("/calculators/batch", h.ExecuteBatch)
	clinical.GET("/assessments", h.ListAssessments)
	clinical.GET("/assessments/:id", h.GetAssessment)

	// Admin only
	admin := api.Group("", auth.RequireRole("admin"))
	admin.DELETE("/assessments/:id", h.DeleteAssessment)
}

// httpError maps service errors to API responses.
func httpError(err error) error {
	var pe *ParamError
	var ie *scoring.InputError
	switch {
	case errors.As(err, &pe):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, echo.Map{
			"message": "invalid parameters",
			"errors":  pe.Fields,
		})
	case errors.As(err, &ie):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, echo.Map{
			"message": "invalid parameters",
			"errors":  []FieldError{{Field: ie.Field, Reason: ie.Reason}},
		})
	case errors.Is(err, ErrUnknownCalculator), errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrTierRestricted):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidFilter), errors.Is(err, ErrBatchTooLarge):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrHistoryDisabled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request processing exceeded the allowed time limit")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

// -- Catalog --

type calculatorList struct {
	Data  []Calculator `json:"data"`
	Total int          `json:"total"`
	Tier  string       `json:"tier,omitempty"`
}

func (h *Handler) ListCalculators(c echo.Context) error {
	items := h.svc.ListCalculators()
	return c.JSON(http.StatusOK, calculatorList{Data: items, Total: len(items)})
}

func (h *Handler) AvailableCalculators(c echo.Context) error {
	tier := auth.TierFromContext(c.Request().Context())
	items := h.svc.CalculatorsForTier(tier)
	if items == nil {
		items = []Calculator{}
	}
	return c.JSON(http.StatusOK, calculatorList{Data: items, Total: len(items), Tier: tier})
}

func (h *Handler) GetCalculator(c echo.Context) error {
	cal, err := h.svc.Calculator(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cal)
}

func (h *Handler) Statistics(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Statistics())
}

// -- Evaluation --

type parametersBody struct {
	Parameters json.RawMessage `json:"parameters"`
}

func (h *Handler) Validate(c echo.Context) error {
	var body parametersBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	res, err := h.svc.Validate(c.Request().Context(), c.Param("id"), body.Parameters)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type executeBody struct {
	Calculator string          `json:"calculator"`
	PatientID  *uuid.UUID      `json:"patient_id,omitempty"`
	Parameters json.RawMessage `json:"parameters"`
}

func (b executeBody) request(ctx context.Context, calculator string) ExecuteRequest {
	return ExecuteRequest{
		Calculator:  calculator,
		PatientID:   b.PatientID,
		Parameters:  b.Parameters,
		Tier:        auth.TierFromContext(ctx),
		PerformedBy: auth.UserIDFromContext(ctx),
	}
}

func (h *Handler) Execute(c echo.Context) error {
	var body executeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if body.PatientID != nil {
		c.Set(middleware.AuditPatientKey, body.PatientID.String())
	}

	ctx := c.Request().Context()
	a, err := h.svc.Execute(ctx, body.request(ctx, c.Param("id")))
	if err != nil {
		return httpError(err)
	}
	c.Set(middleware.AuditAssessmentKey, a.ID.String())

	status := http.StatusOK
	if h.svc.HasHistory() {
		status = http.StatusCreated
	}
	return c.JSON(status, a)
}

type batchBody struct {
	Requests []executeBody `json:"requests"`
}

type batchResponse struct {
	Results   []BatchResult `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

func (h *Handler) ExecuteBatch(c echo.Context) error {
	var body batchBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if len(body.Requests) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "requests must not be empty")
	}

	ctx := c.Request().Context()
	reqs := make([]ExecuteRequest, len(body.Requests))
	for i, b := range body.Requests {
		reqs[i] = b.request(ctx, b.Calculator)
	}

	results, err := h.svc.ExecuteBatch(ctx, reqs)
	if err != nil {
		return httpError(err)
	}
	resp := batchResponse{Results: results}
	for _, r := range results {
		if r.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// -- History --

func (h *Handler) ListAssessments(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := map[string]string{}
	for key := range searchFilters {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}

	items, total, err := h.svc.SearchAssessments(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Assessment{}
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetAssessment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.GetAssessment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if a.PatientID != nil {
		c.Set(middleware.AuditPatientKey, a.PatientID.String())
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteAssessment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteAssessment(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
