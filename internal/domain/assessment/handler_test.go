package assessment

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caredroid/clinicalcalc/internal/platform/auth"
	"github.com/caredroid/clinicalcalc/internal/platform/middleware"
	"github.com/caredroid/clinicalcalc/internal/platform/serializer"
	"github.com/caredroid/clinicalcalc/pkg/pagination"
)

var physician = auth.Principal{Subject: "dr-who", TenantID: "acme", Roles: []string{"physician"}, Tier: TierFree}

func newTestHandler(t *testing.T, repo AssessmentRepository) (*Handler, *echo.Echo) {
	t.Helper()
	h := NewHandler(newTestService(t, repo))
	e := echo.New()
	e.JSONSerializer = serializer.JSON{}
	return h, e
}

func newRequestContext(e *echo.Echo, method, target, body string, p auth.Principal) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

// -- Error mapping --

func TestHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&ParamError{Fields: []FieldError{{Field: "x", Reason: "is required"}}}, http.StatusUnprocessableEntity},
		{ErrUnknownCalculator, http.StatusNotFound},
		{ErrNotFound, http.StatusNotFound},
		{ErrTierRestricted, http.StatusForbidden},
		{ErrInvalidFilter, http.StatusBadRequest},
		{ErrBatchTooLarge, http.StatusBadRequest},
		{ErrHistoryDisabled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(t, httpError(tt.err)); got != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, got)
		}
	}
}

// -- Catalog --

func TestHandler_ListCalculators(t *testing.T) {
	h, e := newTestHandler(t, nil)
	c, rec := newRequestContext(e, http.MethodGet, "/api/v1/calculators", "", physician)
	if err := h.ListCalculators(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var out calculatorList
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Total != 4 {
		t.Errorf("expected 4 calculators, got %d", out.Total)
	}
}

func TestHandler_AvailableCalculators(t *testing.T) {
	h, e := newTestHandler(t, nil)
	c, rec := newRequestContext(e, http.MethodGet, "/api/v1/calculators/available", "", physician)
	if err := h.AvailableCalculators(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out calculatorList
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Total != 3 || out.Tier != TierFree {
		t.Errorf("expected 3 free calculators, got %d on tier %q", out.Total, out.Tier)
	}
}

func TestHandler_GetCalculator(t *testing.T) {
	h, e := newTestHandler(t, nil)
	c, rec := newRequestContext(e, http.MethodGet, "/", "", physician)
	c.SetParamNames("id")
	c.SetParamValues("gfr")
	if err := h.GetCalculator(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"id":"egfr"`) {
		t.Errorf("expected egfr entry, got %s", rec.Body.String())
	}

	c, _ = newRequestContext(e, http.MethodGet, "/", "", physician)
	c.SetParamNames("id")
	c.SetParamValues("apgar")
	if code := statusOf(t, h.GetCalculator(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_Statistics(t *testing.T) {
	h, e := newTestHandler(t, nil)
	c, rec := newRequestContext(e, http.MethodGet, "/", "", physician)
	if err := h.Statistics(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total_calculators":4`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

// -- Evaluation --

func TestHandler_Validate(t *testing.T) {
	h, e := newTestHandler(t, nil)
	c, rec := newRequestContext(e, http.MethodPost, "/", `{"parameters":{"weight_kg":70}}`, physician)
	c.SetParamNames("id")
	c.SetParamValues("bmi")
	if err := h.Validate(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var out ValidationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Valid || len(out.Errors) != 1 || out.Errors[0].Field != "height_cm" {
		t.Errorf("unexpected validation %+v", out)
	}
}

func TestHandler_Validate_MalformedBody(t *testing.T) {
	h, e := newTestHandler(t, nil)
	c, _ := newRequestContext(e, http.MethodPost, "/", `{"parameters":`, physician)
	c.SetParamNames("id")
	c.SetParamValues("bmi")
	if code := statusOf(t, h.Validate(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Execute_NoHistory(t *testing.T) {
	h, e := newTestHandler(t, nil)
	c, rec := newRequestContext(e, http.MethodPost, "/", `{"parameters":{"weight_kg":"70","height_cm":175}}`, physician)
	c.SetParamNames("id")
	c.SetParamValues("bmi")
	if err := h.Execute(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 without history, got %d", rec.Code)
	}
	var a Assessment
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if a.Score != 22.9 || a.PerformedBy != "dr-who" {
		t.Errorf("unexpected assessment %+v", a)
	}
	if c.Get(middleware.AuditAssessmentKey) != a.ID.String() {
		t.Errorf("expected audit assessment id %s, got %v", a.ID, c.Get(middleware.AuditAssessmentKey))
	}
}

func TestHandler_Execute_Persisted(t *testing.T) {
	repo := newMockRepo()
	h, e := newTestHandler(t, repo)
	patient := uuid.New()
	body := `{"patient_id":"` + patient.String() + `","parameters":{"creatinine_mg_dl":1.0,"age_years":50,"sex":"male"}}`
	c, rec := newRequestContext(e, http.MethodPost, "/", body, physician)
	c.SetParamNames("id")
	c.SetParamValues("egfr")
	if err := h.Execute(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if repo.count() != 1 {
		t.Errorf("expected 1 stored assessment, got %d", repo.count())
	}
	if c.Get(middleware.AuditPatientKey) != patient.String() {
		t.Errorf("expected audit patient %s, got %v", patient, c.Get(middleware.AuditPatientKey))
	}
}

func TestHandler_Execute_Errors(t *testing.T) {
	h, e := newTestHandler(t, nil)
	tests := []struct {
		name string
		id   string
		body string
		code int
	}{
		{"unknown calculator", "apgar", `{"parameters":{}}`, http.StatusNotFound},
		{"invalid parameters", "bmi", `{"parameters":{"weight_kg":0,"height_cm":170}}`, http.StatusUnprocessableEntity},
		{"tier", "wells", `{"parameters":{"mode":"dvt"}}`, http.StatusForbidden},
		{"bad patient id", "bmi", `{"patient_id":"nope","parameters":{}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newRequestContext(e, http.MethodPost, "/", tt.body, physician)
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			if code := statusOf(t, h.Execute(c)); code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, code)
			}
		})
	}
}

func TestHandler_ExecuteBatch(t *testing.T) {
	h, e := newTestHandler(t, nil)
	body := `{"requests":[
		{"calculator":"bmi","parameters":{"weight_kg":70,"height_cm":175}},
		{"calculator":"egfr","parameters":{"creatinine_mg_dl":1.0}},
		{"calculator":"cha2ds2-vasc","parameters":{"hypertension":true}}
	]}`
	c, rec := newRequestContext(e, http.MethodPost, "/", body, physician)
	if err := h.ExecuteBatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out batchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Succeeded != 2 || out.Failed != 1 {
		t.Errorf("expected 2 succeeded and 1 failed, got %d/%d", out.Succeeded, out.Failed)
	}
	if out.Results[1].Success || len(out.Results[1].Errors) != 2 {
		t.Errorf("expected eGFR item to fail with 2 field errors, got %+v", out.Results[1])
	}
}

func TestHandler_ExecuteBatch_Limits(t *testing.T) {
	h, e := newTestHandler(t, nil)

	c, _ := newRequestContext(e, http.MethodPost, "/", `{"requests":[]}`, physician)
	if code := statusOf(t, h.ExecuteBatch(c)); code != http.StatusBadRequest {
		t.Errorf("empty batch: expected 400, got %d", code)
	}

	items := make([]string, MaxBatchSize+1)
	for i := range items {
		items[i] = `{"calculator":"bmi"}`
	}
	c, _ = newRequestContext(e, http.MethodPost, "/", `{"requests":[`+strings.Join(items, ",")+`]}`, physician)
	if code := statusOf(t, h.ExecuteBatch(c)); code != http.StatusBadRequest {
		t.Errorf("oversized batch: expected 400, got %d", code)
	}
}

// -- History --

func TestHandler_ListAssessments(t *testing.T) {
	repo := newMockRepo()
	h, e := newTestHandler(t, repo)
	for i := 0; i < 3; i++ {
		if _, err := execute(t, h.svc, "bmi", TierFree, map[string]interface{}{"weight_kg": 70, "height_cm": 175}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	c, rec := newRequestContext(e, http.MethodGet, "/api/v1/assessments?calculator=bmi&limit=2", "", physician)
	if err := h.ListAssessments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out pagination.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Total != 3 || !out.HasMore {
		t.Errorf("expected total 3 with more, got %+v", out)
	}
	if out.Links == nil || out.Links.Next != "/api/v1/assessments?calculator=bmi&limit=2&offset=2" {
		t.Errorf("unexpected links %+v", out.Links)
	}
}

func TestHandler_ListAssessments_Errors(t *testing.T) {
	h, e := newTestHandler(t, newMockRepo())
	c, _ := newRequestContext(e, http.MethodGet, "/api/v1/assessments?severity=extreme", "", physician)
	if code := statusOf(t, h.ListAssessments(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}

	h, e = newTestHandler(t, nil)
	c, _ = newRequestContext(e, http.MethodGet, "/api/v1/assessments", "", physician)
	if code := statusOf(t, h.ListAssessments(c)); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without history, got %d", code)
	}
}

func TestHandler_GetAssessment(t *testing.T) {
	repo := newMockRepo()
	h, e := newTestHandler(t, repo)
	a, err := execute(t, h.svc, "bmi", TierFree, map[string]interface{}{"weight_kg": 70, "height_cm": 175})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, rec := newRequestContext(e, http.MethodGet, "/", "", physician)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.GetAssessment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newRequestContext(e, http.MethodGet, "/", "", physician)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	if code := statusOf(t, h.GetAssessment(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	c, _ = newRequestContext(e, http.MethodGet, "/", "", physician)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if code := statusOf(t, h.GetAssessment(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_DeleteAssessment(t *testing.T) {
	repo := newMockRepo()
	h, e := newTestHandler(t, repo)
	a, _ := execute(t, h.svc, "bmi", TierFree, map[string]interface{}{"weight_kg": 70, "height_cm": 175})

	c, rec := newRequestContext(e, http.MethodDelete, "/", "", physician)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.DeleteAssessment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if repo.count() != 0 {
		t.Errorf("expected assessment to be deleted")
	}
}

// -- Routing --

func TestRegisterRoutes_Roles(t *testing.T) {
	repo := newMockRepo()
	h, e := newTestHandler(t, repo)
	a, _ := execute(t, h.svc, "bmi", TierFree, map[string]interface{}{"weight_kg": 70, "height_cm": 175})

	principal := physician
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			c.SetRequest(req.WithContext(auth.WithPrincipal(req.Context(), principal)))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	tests := []struct {
		name   string
		roles  []string
		method string
		path   string
		code   int
	}{
		{"physician reads catalog", []string{"physician"}, http.MethodGet, "/api/v1/calculators", http.StatusOK},
		{"static route wins", []string{"nurse"}, http.MethodGet, "/api/v1/calculators/statistics", http.StatusOK},
		{"patient is rejected", []string{"patient"}, http.MethodGet, "/api/v1/calculators", http.StatusForbidden},
		{"physician cannot delete", []string{"physician"}, http.MethodDelete, "/api/v1/assessments/" + a.ID.String(), http.StatusForbidden},
		{"admin deletes", []string{"admin"}, http.MethodDelete, "/api/v1/assessments/" + a.ID.String(), http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			principal.Roles = tt.roles
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRegisterRoutes_ExecuteBody(t *testing.T) {
	h, e := newTestHandler(t, nil)
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			c.SetRequest(req.WithContext(auth.WithPrincipal(req.Context(), physician)))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calculators/bmi/execute",
		strings.NewReader(`{"parameters":{"weight_kg":0,"height_cm":170}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var out struct {
		Message string       `json:"message"`
		Errors  []FieldError `json:"errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(out.Errors) != 1 || out.Errors[0].Field != "weight_kg" {
		t.Errorf("unexpected error body %s", rec.Body.String())
	}
}
