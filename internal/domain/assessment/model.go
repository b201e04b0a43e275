package assessment

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/caredroid/clinicalcalc/pkg/scoring"
)

// Assessment maps to the assessment table: one calculator execution with its
// inputs, outcome and derived risk.
type Assessment struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	PatientID      *uuid.UUID      `db:"patient_id" json:"patient_id,omitempty"`
	Calculator     scoring.Kind    `db:"calculator" json:"calculator"`
	Parameters     json.RawMessage `db:"parameters" json:"parameters"`
	Score          float64         `db:"score" json:"score"`
	Category       string          `db:"category" json:"category"`
	Interpretation string          `db:"interpretation" json:"interpretation"`
	Recommendation string          `db:"recommendation" json:"recommendation"`
	Warnings       []string        `db:"-" json:"warnings,omitempty"`
	Result         json.RawMessage `db:"result" json:"result"`
	RiskScore      float64         `db:"risk_score" json:"risk_score"`
	Severity       Severity        `db:"severity" json:"severity"`
	RiskFactors    []string        `db:"-" json:"risk_factors,omitempty"`
	Alerts         []Alert         `db:"alerts" json:"alerts"`
	PerformedBy    string          `db:"performed_by" json:"performed_by,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// ExecuteRequest asks for one calculator run. Tier and PerformedBy come from
// the authenticated caller, never from the body.
type ExecuteRequest struct {
	Calculator  string          `json:"calculator"`
	PatientID   *uuid.UUID      `json:"patient_id,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Tier        string          `json:"-"`
	PerformedBy string          `json:"-"`
}

// FieldError names one rejected parameter.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationResult is returned by Validate without running or storing anything.
type ValidationResult struct {
	Valid    bool         `json:"valid"`
	Errors   []FieldError `json:"errors"`
	Warnings []string     `json:"warnings"`
}

// BatchResult is the outcome of one request in a batch, at the same index as
// the request.
type BatchResult struct {
	Index      int          `json:"index"`
	Calculator string       `json:"calculator"`
	Success    bool         `json:"success"`
	Assessment *Assessment  `json:"assessment,omitempty"`
	Error      string       `json:"error,omitempty"`
	Errors     []FieldError `json:"errors,omitempty"`
}

// CalculatorStats counts executions since process start.
type CalculatorStats struct {
	ID         scoring.Kind `json:"id"`
	Name       string       `json:"name"`
	Category   string       `json:"category"`
	Executions int64        `json:"executions"`
	Failures   int64        `json:"failures"`
}

type Statistics struct {
	TotalCalculators int               `json:"total_calculators"`
	ByCategory       map[string]int    `json:"calculators_by_category"`
	TotalExecutions  int64             `json:"total_executions"`
	TotalFailures    int64             `json:"total_failures"`
	Calculators      []CalculatorStats `json:"calculators"`
}
