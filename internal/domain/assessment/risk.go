package assessment

import (
	"fmt"

	"github.com/caredroid/clinicalcalc/pkg/scoring"
)

// Severity grades the clinical risk derived from a calculator result.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityWarning  Severity = "warning"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityWarning:  1,
	SeverityModerate: 2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity accepts the lowercase names.
func ParseSeverity(s string) (Severity, bool) {
	_, ok := severityRank[Severity(s)]
	return Severity(s), ok
}

// RiskProfile is the normalized risk derived from one result.
type RiskProfile struct {
	Score    float64  `json:"risk_score"`
	Severity Severity `json:"severity"`
	Factors  []string `json:"risk_factors,omitempty"`
}

// Alert is a clinically actionable finding attached to an assessment.
type Alert struct {
	Code            string   `json:"code"`
	Severity        Severity `json:"severity"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Findings        []string `json:"findings"`
	Recommendations []string `json:"recommendations"`
}

// CategorizeRisk maps a 0..1 risk score to a severity.
func CategorizeRisk(score float64) Severity {
	switch {
	case score >= 0.85:
		return SeverityCritical
	case score >= 0.65:
		return SeverityHigh
	case score >= 0.45:
		return SeverityModerate
	case score >= 0.25:
		return SeverityWarning
	default:
		return SeverityLow
	}
}

// AssessRisk derives the risk profile for a result. Results below every
// threshold are low risk with a zero score.
func AssessRisk(res scoring.Result) RiskProfile {
	p := RiskProfile{Severity: SeverityLow}
	raise := func(score float64, sev Severity, factors ...string) {
		if score > p.Score {
			p.Score = score
		}
		if severityRank[sev] > severityRank[p.Severity] {
			p.Severity = sev
		}
		p.Factors = append(p.Factors, factors...)
	}

	switch r := res.(type) {
	case scoring.EGFRResult:
		switch {
		case r.EGFR < 15:
			raise(0.85, SeverityCritical, "Severe kidney dysfunction (eGFR < 15)")
		case r.EGFR < 30:
			raise(0.65, SeverityHigh, "Moderate to severe kidney dysfunction (eGFR < 30)")
		case r.EGFR < 60:
			raise(0.35, SeverityModerate, "Mild to moderate kidney dysfunction (eGFR < 60)")
		}
	case scoring.BMIResult:
		switch {
		case r.BMI > 40:
			raise(0.45, SeverityModerate, "BMI obese (increased comorbidity risk)")
		case r.BMI < 18.5:
			raise(0.45, SeverityModerate, "BMI underweight (increased comorbidity risk)")
		}
	case scoring.CHA2DS2VAScResult:
		switch {
		case r.Score >= 4:
			raise(0.75, SeverityHigh, "CHA2DS2-VASc >= 4 (high stroke risk)", "Anticoagulation therapy recommended")
		case r.Score >= 2:
			raise(0.50, SeverityModerate, "CHA2DS2-VASc >= 2 (moderate stroke risk)")
		}
	case scoring.WellsResult:
		switch r.Category {
		case scoring.RiskHigh, scoring.RiskPELikely:
			raise(0.70, SeverityHigh, fmt.Sprintf("Wells %s score %g (%s)", wellsLabel(r.Mode), r.Score, r.Category))
		case scoring.RiskModerate:
			raise(0.40, SeverityModerate, fmt.Sprintf("Wells %s score %g (%s)", wellsLabel(r.Mode), r.Score, r.Category))
		}
	}
	return p
}

func wellsLabel(m scoring.WellsMode) string {
	if m == scoring.WellsPE {
		return "PE"
	}
	return "DVT"
}

// ClinicalAlerts returns the alerts a result warrants. Most results warrant none.
func ClinicalAlerts(res scoring.Result, risk RiskProfile) []Alert {
	var alerts []Alert
	switch r := res.(type) {
	case scoring.EGFRResult:
		if r.EGFR < 30 {
			alerts = append(alerts, Alert{
				Code:        "kidney-dysfunction",
				Severity:    risk.Severity,
				Title:       "Significant Kidney Dysfunction",
				Description: fmt.Sprintf("eGFR %g indicates moderate to severe kidney disease", r.EGFR),
				Findings: []string{
					fmt.Sprintf("eGFR: %g mL/min/1.73m²", r.EGFR),
					fmt.Sprintf("CKD stage: %s", r.Stage),
				},
				Recommendations: []string{
					"Adjust medication dosing for renal function",
					"Monitor electrolytes regularly",
					"Consider nephrology referral",
					"Assess protein intake",
				},
			})
		}
	case scoring.CHA2DS2VAScResult:
		if r.Score >= 4 {
			alerts = append(alerts, Alert{
				Code:        "stroke-risk",
				Severity:    SeverityHigh,
				Title:       "High Stroke Risk",
				Description: fmt.Sprintf("CHA2DS2-VASc score of %d indicates significant stroke risk", r.Score),
				Findings: []string{
					fmt.Sprintf("Score: %d", r.Score),
					fmt.Sprintf("Annual stroke risk: %g%%", r.AnnualStrokeRisk),
				},
				Recommendations: []string{
					"Consider anticoagulation therapy",
					"Review contraindications",
					"Discuss risk/benefit with patient",
				},
			})
		}
	case scoring.WellsResult:
		if r.Category == scoring.RiskHigh || r.Category == scoring.RiskPELikely {
			recs := []string{"Obtain compression ultrasonography", "Consider empiric anticoagulation if imaging is delayed"}
			if r.Mode == scoring.WellsPE {
				recs = []string{"Obtain CT pulmonary angiography", "Consider empiric anticoagulation if no contraindication"}
			}
			alerts = append(alerts, Alert{
				Code:        "vte-probability",
				Severity:    SeverityHigh,
				Title:       "High VTE Probability",
				Description: fmt.Sprintf("Wells %s score of %g places the patient in the %s group", wellsLabel(r.Mode), r.Score, r.Category),
				Findings: []string{
					fmt.Sprintf("Score: %g", r.Score),
					fmt.Sprintf("Category: %s", r.Category),
				},
				Recommendations: recs,
			})
		}
	}
	return alerts
}
