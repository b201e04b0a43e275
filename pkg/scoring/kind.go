// Package scoring implements the BMI, eGFR, CHA2DS2-VASc and Wells clinical
// calculators as pure functions. Nothing in the package performs I/O or keeps
// mutable state, so every function is safe for concurrent use.
package scoring

import (
	"fmt"
	"strings"
)

// Kind identifies a calculator.
type Kind string

const (
	KindBMI         Kind = "bmi"
	KindEGFR        Kind = "egfr"
	KindCHA2DS2VASc Kind = "cha2ds2-vasc"
	KindWells       Kind = "wells"
)

// Kinds lists every calculator in display order.
var Kinds = []Kind{KindBMI, KindEGFR, KindCHA2DS2VASc, KindWells}

var kindAliases = map[string]Kind{
	"bmi":          KindBMI,
	"egfr":         KindEGFR,
	"gfr":          KindEGFR,
	"cha2ds2-vasc": KindCHA2DS2VASc,
	"cha2ds2vasc":  KindCHA2DS2VASc,
	"chads":        KindCHA2DS2VASc,
	"wells":        KindWells,
}

// ParseKind resolves a calculator id, accepting the short legacy ids.
func ParseKind(s string) (Kind, error) {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", invalid("calculator", fmt.Sprintf("unknown calculator %q", s))
}

// RiskLevel is the categorical output of the point scores.
type RiskLevel string

const (
	RiskLow        RiskLevel = "Low"
	RiskModerate   RiskLevel = "Moderate"
	RiskHigh       RiskLevel = "High"
	RiskPEUnlikely RiskLevel = "PE unlikely"
	RiskPELikely   RiskLevel = "PE likely"
)

// Input is implemented only by the calculator input types of this package.
type Input interface {
	Kind() Kind
	sealed()
}

// Result is implemented by every calculator result.
type Result interface {
	Summary() Summary
}

// Summary is the calculator-independent view of a result.
type Summary struct {
	Kind           Kind     `json:"calculator"`
	Score          float64  `json:"score"`
	Category       string   `json:"category"`
	Interpretation string   `json:"interpretation"`
	Recommendation string   `json:"recommendation"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Evaluator dispatches an Input to its calculator. The zero value uses
// CKD-EPI 2009 for eGFR.
type Evaluator struct {
	Equation Equation
}

func (e Evaluator) equation() Equation {
	if e.Equation.Name == "" {
		return CKDEPI2009
	}
	return e.Equation
}

// Evaluate runs the calculator matching in's type.
func (e Evaluator) Evaluate(in Input) (Result, error) {
	switch v := in.(type) {
	case BMIInput:
		return result(ComputeBMI(v.WeightKg, v.HeightCm))
	case EGFRInput:
		return result(e.equation().Compute(v))
	case CHA2DS2VAScInput:
		return result(ComputeCHA2DS2VASc(v))
	case WellsInput:
		return result(ComputeWells(v))
	case nil:
		return nil, invalid("input", "is required")
	}
	return nil, invalid("input", fmt.Sprintf("unsupported type %T", in))
}

// result drops the zero value on failure so callers never see a non-nil
// Result next to an error.
func result[T Result](r T, err error) (Result, error) {
	if err != nil {
		return nil, err
	}
	return r, nil
}
