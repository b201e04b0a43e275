package scoring

import (
	"fmt"
	"strings"
)

// WellsMode selects the DVT or PE rule set.
type WellsMode string

const (
	WellsDVT WellsMode = "dvt"
	WellsPE  WellsMode = "pe"
)

// ParseWellsMode is case-insensitive.
func ParseWellsMode(s string) (WellsMode, error) {
	switch WellsMode(strings.ToLower(strings.TrimSpace(s))) {
	case WellsDVT:
		return WellsDVT, nil
	case WellsPE:
		return WellsPE, nil
	}
	return "", invalid("mode", fmt.Sprintf("must be dvt or pe, got %q", s))
}

// PEScheme selects how a PE score is banded.
type PEScheme string

const (
	PEThreeTier PEScheme = "three-tier"
	PETwoTier   PEScheme = "two-tier"
)

// Criterion names one weighted Wells finding.
type Criterion string

// DVT findings.
const (
	CriterionActiveCancer    Criterion = "active_cancer"
	CriterionParalysis       Criterion = "paralysis_or_cast"
	CriterionBedridden       Criterion = "bedridden_or_recent_surgery"
	CriterionTenderness      Criterion = "deep_vein_tenderness"
	CriterionLegSwollen      Criterion = "entire_leg_swollen"
	CriterionCalfSwelling    Criterion = "calf_swelling_over_3cm"
	CriterionPittingEdema    Criterion = "pitting_edema"
	CriterionCollateralVeins Criterion = "collateral_superficial_veins"
	CriterionPreviousDVT     Criterion = "previous_dvt"
	CriterionAlternativeDx   Criterion = "alternative_diagnosis_as_likely"
)

// PE findings.
const (
	CriterionDVTSigns        Criterion = "clinical_signs_of_dvt"
	CriterionPEMostLikely    Criterion = "pe_most_likely_diagnosis"
	CriterionTachycardia     Criterion = "heart_rate_over_100"
	CriterionImmobilization  Criterion = "immobilization_or_recent_surgery"
	CriterionPreviousVTE     Criterion = "previous_dvt_or_pe"
	CriterionHemoptysis      Criterion = "hemoptysis"
	CriterionMalignancy      Criterion = "malignancy"
)

// WellsDVTPoints is the modified Wells rule for deep vein thrombosis.
var WellsDVTPoints = map[Criterion]float64{
	CriterionActiveCancer:    1,
	CriterionParalysis:       1,
	CriterionBedridden:       1,
	CriterionTenderness:      1,
	CriterionLegSwollen:      1,
	CriterionCalfSwelling:    1,
	CriterionPittingEdema:    1,
	CriterionCollateralVeins: 1,
	CriterionPreviousDVT:     1,
	CriterionAlternativeDx:   -2,
}

// WellsPEPoints is the Wells rule for pulmonary embolism.
var WellsPEPoints = map[Criterion]float64{
	CriterionDVTSigns:       3,
	CriterionPEMostLikely:   3,
	CriterionTachycardia:    1.5,
	CriterionImmobilization: 1.5,
	CriterionPreviousVTE:    1.5,
	CriterionHemoptysis:     1,
	CriterionMalignancy:     1,
}

var (
	wellsDVTOrder = []Criterion{
		CriterionActiveCancer, CriterionParalysis, CriterionBedridden, CriterionTenderness,
		CriterionLegSwollen, CriterionCalfSwelling, CriterionPittingEdema,
		CriterionCollateralVeins, CriterionPreviousDVT, CriterionAlternativeDx,
	}
	wellsPEOrder = []Criterion{
		CriterionDVTSigns, CriterionPEMostLikely, CriterionTachycardia, CriterionImmobilization,
		CriterionPreviousVTE, CriterionHemoptysis, CriterionMalignancy,
	}
)

// WellsCriteria lists the findings of a mode in published order.
func WellsCriteria(mode WellsMode) []Criterion {
	var src []Criterion
	switch mode {
	case WellsDVT:
		src = wellsDVTOrder
	case WellsPE:
		src = wellsPEOrder
	}
	return append([]Criterion(nil), src...)
}

func wellsTable(mode WellsMode) map[Criterion]float64 {
	if mode == WellsPE {
		return WellsPEPoints
	}
	return WellsDVTPoints
}

// WellsInput lists the findings present. Absent findings score zero.
type WellsInput struct {
	Mode     WellsMode   `json:"mode"`
	Scheme   PEScheme    `json:"pe_scheme,omitempty"`
	Findings []Criterion `json:"criteria"`
}

func (WellsInput) Kind() Kind { return KindWells }
func (WellsInput) sealed()    {}

type WellsResult struct {
	Mode      WellsMode      `json:"mode"`
	Scheme    PEScheme       `json:"pe_scheme,omitempty"`
	Score     float64        `json:"score"`
	Category  RiskLevel      `json:"category"`
	Breakdown []Contribution `json:"breakdown"`
}

// ComputeWells sums the finding weights and bands the total with the
// cutoffs of the selected mode and scheme.
func ComputeWells(in WellsInput) (WellsResult, error) {
	switch in.Mode {
	case WellsDVT, WellsPE:
	default:
		return WellsResult{}, invalid("mode", fmt.Sprintf("must be dvt or pe, got %q", in.Mode))
	}

	scheme := in.Scheme
	if in.Mode == WellsPE {
		switch scheme {
		case "":
			scheme = PEThreeTier
		case PEThreeTier, PETwoTier:
		default:
			return WellsResult{}, invalid("pe_scheme", fmt.Sprintf("must be three-tier or two-tier, got %q", scheme))
		}
	} else {
		scheme = ""
	}

	table := wellsTable(in.Mode)
	seen := make(map[Criterion]bool, len(in.Findings))
	for _, c := range in.Findings {
		if _, ok := table[c]; !ok {
			return WellsResult{}, invalid("criteria", fmt.Sprintf("%q is not a %s criterion", c, in.Mode))
		}
		seen[c] = true
	}

	res := WellsResult{Mode: in.Mode, Scheme: scheme, Breakdown: []Contribution{}}
	order := wellsDVTOrder
	if in.Mode == WellsPE {
		order = wellsPEOrder
	}
	for _, c := range order {
		if !seen[c] {
			continue
		}
		res.Score += table[c]
		res.Breakdown = append(res.Breakdown, Contribution{Criterion: string(c), Points: table[c]})
	}
	res.Category = wellsCategory(in.Mode, scheme, res.Score)
	return res, nil
}

func wellsCategory(mode WellsMode, scheme PEScheme, score float64) RiskLevel {
	if mode == WellsDVT {
		switch {
		case score <= 0:
			return RiskLow
		case score <= 2:
			return RiskModerate
		default:
			return RiskHigh
		}
	}
	if scheme == PETwoTier {
		if score > 4 {
			return RiskPELikely
		}
		return RiskPEUnlikely
	}
	switch {
	case score < 2:
		return RiskLow
	case score <= 6:
		return RiskModerate
	default:
		return RiskHigh
	}
}

var wellsText = map[WellsMode]map[RiskLevel][2]string{
	WellsDVT: {
		RiskLow:      {"Low probability of DVT (about 5%)", "D-dimer testing; DVT excluded if negative"},
		RiskModerate: {"Moderate probability of DVT (about 17%)", "D-dimer or compression ultrasound"},
		RiskHigh:     {"High probability of DVT (about 53%)", "Compression ultrasound of the proximal veins"},
	},
	WellsPE: {
		RiskLow:        {"Low probability of PE (about 1.3%)", "D-dimer testing or PERC rule"},
		RiskModerate:   {"Moderate probability of PE (about 16%)", "D-dimer; CT pulmonary angiography if positive"},
		RiskHigh:       {"High probability of PE (about 38%)", "CT pulmonary angiography"},
		RiskPEUnlikely: {"PE unlikely", "D-dimer; CT pulmonary angiography if positive"},
		RiskPELikely:   {"PE likely", "CT pulmonary angiography"},
	},
}

func (r WellsResult) Summary() Summary {
	text := wellsText[r.Mode][r.Category]
	return Summary{
		Kind:           KindWells,
		Score:          r.Score,
		Category:       string(r.Category),
		Interpretation: text[0],
		Recommendation: text[1],
	}
}
