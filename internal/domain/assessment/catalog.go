package assessment

import (
	"github.com/caredroid/clinicalcalc/pkg/scoring"
)

// Subscription tiers, lowest first.
const (
	TierFree          = "free"
	TierProfessional  = "professional"
	TierInstitutional = "institutional"
)

var tierRank = map[string]int{
	TierFree:          0,
	TierProfessional:  1,
	TierInstitutional: 2,
}

// TierAllows reports whether a caller on tier may use a calculator that needs
// required. Unknown caller tiers are treated as free.
func TierAllows(tier, required string) bool {
	return tierRank[tier] >= tierRank[required]
}

// Parameter types understood by the decoder.
const (
	ParamNumber  = "number"
	ParamInteger = "integer"
	ParamBoolean = "boolean"
	ParamEnum    = "enum"
	ParamList    = "list"
)

// ParameterSpec describes one accepted parameter.
type ParameterSpec struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Unit        string   `json:"unit,omitempty"`
	Required    bool     `json:"required"`
	Allowed     []string `json:"allowed,omitempty"`
	Description string   `json:"description"`
}

// Calculator is the catalog entry for one scoring.Kind.
type Calculator struct {
	ID          scoring.Kind    `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Tier        string          `json:"tier"`
	Parameters  []ParameterSpec `json:"parameters"`
}

func criteriaNames(mode scoring.WellsMode) []string {
	var out []string
	for _, c := range scoring.WellsCriteria(mode) {
		out = append(out, string(c))
	}
	return out
}

func boolParam(name, desc string) ParameterSpec {
	return ParameterSpec{Name: name, Type: ParamBoolean, Description: desc}
}

// buildCatalog returns the catalog in scoring.Kinds order. equations lists the
// eGFR coefficient sets that may be selected per request.
func buildCatalog(equations []string) []Calculator {
	sexes := []string{string(scoring.SexMale), string(scoring.SexFemale)}
	bands := []string{scoring.AgeUnder65.String(), scoring.Age65To74.String(), scoring.Age75OrOver.String()}

	return []Calculator{
		{
			ID:          scoring.KindBMI,
			Name:        "Body Mass Index",
			Description: "Weight-for-height index with WHO adult weight category.",
			Category:    "anthropometric",
			Tier:        TierFree,
			Parameters: []ParameterSpec{
				{Name: "weight_kg", Type: ParamNumber, Unit: "kg", Description: "Body weight. Required unless weight_lb is given."},
				{Name: "height_cm", Type: ParamNumber, Unit: "cm", Description: "Standing height. Required unless height_in is given."},
				{Name: "weight_lb", Type: ParamNumber, Unit: "lb", Description: "Body weight in pounds."},
				{Name: "height_in", Type: ParamNumber, Unit: "in", Description: "Standing height in inches."},
			},
		},
		{
			ID:          scoring.KindEGFR,
			Name:        "eGFR (CKD-EPI)",
			Description: "Estimated glomerular filtration rate from serum creatinine, staged by KDIGO.",
			Category:    "renal",
			Tier:        TierFree,
			Parameters: []ParameterSpec{
				{Name: "creatinine_mg_dl", Type: ParamNumber, Unit: "mg/dL", Required: true, Description: "Serum creatinine."},
				{Name: "age_years", Type: ParamInteger, Unit: "years", Required: true, Description: "Age in whole years."},
				{Name: "sex", Type: ParamEnum, Required: true, Allowed: sexes, Description: "Sex assigned at birth."},
				boolParam("black", "Applies the race coefficient when the equation has one."),
				{Name: "equation", Type: ParamEnum, Allowed: equations, Description: "Coefficient set. Defaults to the server setting."},
			},
		},
		{
			ID:          scoring.KindCHA2DS2VASc,
			Name:        "CHA2DS2-VASc",
			Description: "Stroke risk in atrial fibrillation with annual stroke rate.",
			Category:    "cardiology",
			Tier:        TierFree,
			Parameters: []ParameterSpec{
				boolParam("congestive_heart_failure", "Congestive heart failure or LV dysfunction."),
				boolParam("hypertension", "Hypertension."),
				{Name: "age_years", Type: ParamInteger, Unit: "years", Description: "Age in whole years. Alternative to age_band."},
				{Name: "age_band", Type: ParamEnum, Allowed: bands, Description: "Age band. Defaults to under-65."},
				boolParam("diabetes", "Diabetes mellitus."),
				boolParam("stroke_tia_thromboembolism", "Prior stroke, TIA or thromboembolism."),
				boolParam("vascular_disease", "Prior MI, peripheral artery disease or aortic plaque."),
				{Name: "sex", Type: ParamEnum, Allowed: sexes, Description: "Defaults to male."},
			},
		},
		{
			ID:          scoring.KindWells,
			Name:        "Wells' Criteria",
			Description: "Pre-test probability of deep vein thrombosis or pulmonary embolism.",
			Category:    "thromboembolism",
			Tier:        TierProfessional,
			Parameters: []ParameterSpec{
				{Name: "mode", Type: ParamEnum, Required: true, Allowed: []string{string(scoring.WellsDVT), string(scoring.WellsPE)}, Description: "Which rule to apply."},
				{Name: "pe_scheme", Type: ParamEnum, Allowed: []string{string(scoring.PEThreeTier), string(scoring.PETwoTier)}, Description: "PE banding. Defaults to three-tier."},
				{Name: "criteria", Type: ParamList, Allowed: append(criteriaNames(scoring.WellsDVT), criteriaNames(scoring.WellsPE)...), Description: "Findings present, from the table of the selected mode."},
			},
		},
	}
}
