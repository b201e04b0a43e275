package scoring

import (
	"fmt"
	"math"
	"strings"
)

// Sex is the biological sex used by sex-specific coefficients.
type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
)

// ParseSex accepts "male"/"female" and their one-letter forms, case-insensitive.
func ParseSex(s string) (Sex, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male", "m":
		return SexMale, nil
	case "female", "f":
		return SexFemale, nil
	}
	return "", invalid("sex", fmt.Sprintf("must be male or female, got %q", s))
}

func (s Sex) valid() bool { return s == SexMale || s == SexFemale }

// CKDStage is the KDIGO GFR category.
type CKDStage string

const (
	StageG1  CKDStage = "G1"
	StageG2  CKDStage = "G2"
	StageG3a CKDStage = "G3a"
	StageG3b CKDStage = "G3b"
	StageG4  CKDStage = "G4"
	StageG5  CKDStage = "G5"
)

const maxAgeYears = 120

// EGFRInput is a single serum creatinine measurement with demographics.
type EGFRInput struct {
	CreatinineMgDL float64 `json:"creatinine_mg_dl"`
	AgeYears       int     `json:"age_years"`
	Sex            Sex     `json:"sex"`
	Black          bool    `json:"black"`
}

func (EGFRInput) Kind() Kind { return KindEGFR }
func (EGFRInput) sealed()    {}

// EGFRResult holds the estimate in mL/min/1.73m², rounded to a whole number.
type EGFRResult struct {
	EGFR     float64  `json:"egfr"`
	Stage    CKDStage `json:"stage"`
	Equation string   `json:"equation"`
	Warnings []string `json:"warnings,omitempty"`
}

// ComputeEGFR applies the CKD-EPI 2009 equation.
func ComputeEGFR(in EGFRInput) (EGFRResult, error) {
	return CKDEPI2009.Compute(in)
}

// Compute evaluates the equation for one input.
func (eq Equation) Compute(in EGFRInput) (EGFRResult, error) {
	if err := requirePositive("creatinine_mg_dl", in.CreatinineMgDL); err != nil {
		return EGFRResult{}, err
	}
	if in.AgeYears <= 0 {
		return EGFRResult{}, invalid("age_years", "must be a positive integer")
	}
	if in.AgeYears > maxAgeYears {
		return EGFRResult{}, invalid("age_years", fmt.Sprintf("must not exceed %d", maxAgeYears))
	}
	if !in.Sex.valid() {
		return EGFRResult{}, invalid("sex", fmt.Sprintf("must be male or female, got %q", in.Sex))
	}

	kappa, alpha := eq.KappaMale, eq.AlphaMale
	if in.Sex == SexFemale {
		kappa, alpha = eq.KappaFemale, eq.AlphaFemale
	}

	ratio := in.CreatinineMgDL / kappa
	v := eq.Constant *
		math.Pow(math.Min(ratio, 1), alpha) *
		math.Pow(math.Max(ratio, 1), eq.ExponentAboveKappa) *
		math.Pow(eq.AgeBase, float64(in.AgeYears))
	if in.Sex == SexFemale {
		v *= eq.FemaleFactor
	}

	var warnings []string
	if in.Black {
		if eq.RaceFactor > 0 {
			v *= eq.RaceFactor
		} else {
			warnings = append(warnings, fmt.Sprintf("%s has no race coefficient; black flag ignored", eq.Name))
		}
	}
	if in.AgeYears < 18 {
		warnings = append(warnings, "CKD-EPI is validated for adults 18 years and older")
	}

	egfr := math.Round(v)
	return EGFRResult{
		EGFR:     egfr,
		Stage:    StageFor(egfr),
		Equation: eq.Name,
		Warnings: warnings,
	}, nil
}

// StageFor returns the GFR category. A value exactly on a threshold belongs
// to the healthier stage.
func StageFor(egfr float64) CKDStage {
	switch {
	case egfr >= 90:
		return StageG1
	case egfr >= 60:
		return StageG2
	case egfr >= 45:
		return StageG3a
	case egfr >= 30:
		return StageG3b
	case egfr >= 15:
		return StageG4
	default:
		return StageG5
	}
}

var stageText = map[CKDStage][2]string{
	StageG1:  {"Normal or high kidney function", "Manage cardiovascular risk; monitor if other markers of kidney damage are present"},
	StageG2:  {"Mildly decreased kidney function", "Monitor renal function and blood pressure"},
	StageG3a: {"Mild to moderate decrease", "Review renally cleared medications and monitor electrolytes"},
	StageG3b: {"Moderate to severe decrease", "Adjust medication dosing and consider nephrology referral"},
	StageG4:  {"Severe decrease in kidney function", "Nephrology referral and preparation for renal replacement therapy"},
	StageG5:  {"Kidney failure", "Urgent nephrology input; dialysis or transplant evaluation"},
}

func (r EGFRResult) Summary() Summary {
	text := stageText[r.Stage]
	return Summary{
		Kind:           KindEGFR,
		Score:          r.EGFR,
		Category:       string(r.Stage),
		Interpretation: text[0],
		Recommendation: text[1],
		Warnings:       r.Warnings,
	}
}
