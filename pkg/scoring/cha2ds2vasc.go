package scoring

import (
	"fmt"
	"strings"
)

// AgeBand is the age indicator of CHA2DS2-VASc.
type AgeBand int

const (
	AgeUnder65 AgeBand = iota
	Age65To74
	Age75OrOver
)

func (b AgeBand) String() string {
	switch b {
	case AgeUnder65:
		return "under-65"
	case Age65To74:
		return "65-74"
	case Age75OrOver:
		return "75+"
	}
	return fmt.Sprintf("AgeBand(%d)", int(b))
}

func (b AgeBand) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *AgeBand) UnmarshalText(p []byte) error {
	band, err := ParseAgeBand(string(p))
	if err != nil {
		return err
	}
	*b = band
	return nil
}

// ParseAgeBand accepts the String() forms.
func ParseAgeBand(s string) (AgeBand, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "under-65", "<65":
		return AgeUnder65, nil
	case "65-74":
		return Age65To74, nil
	case "75+", ">=75":
		return Age75OrOver, nil
	}
	return 0, invalid("age_band", fmt.Sprintf("unknown band %q", s))
}

// AgeBandFor derives the band from an age in whole years.
func AgeBandFor(ageYears int) (AgeBand, error) {
	if ageYears <= 0 || ageYears > maxAgeYears {
		return 0, invalid("age_years", fmt.Sprintf("must be between 1 and %d", maxAgeYears))
	}
	switch {
	case ageYears >= 75:
		return Age75OrOver, nil
	case ageYears >= 65:
		return Age65To74, nil
	default:
		return AgeUnder65, nil
	}
}

// Indicator names one weighted CHA2DS2-VASc risk factor.
type Indicator string

const (
	IndicatorHeartFailure    Indicator = "congestive_heart_failure"
	IndicatorHypertension    Indicator = "hypertension"
	IndicatorAge75           Indicator = "age_75_or_over"
	IndicatorDiabetes        Indicator = "diabetes"
	IndicatorStroke          Indicator = "stroke_tia_thromboembolism"
	IndicatorVascularDisease Indicator = "vascular_disease"
	IndicatorAge65           Indicator = "age_65_to_74"
	IndicatorFemale          Indicator = "female_sex"
)

// CHA2DS2VAScPoints is the published point table.
var CHA2DS2VAScPoints = map[Indicator]int{
	IndicatorHeartFailure:    1,
	IndicatorHypertension:    1,
	IndicatorAge75:           2,
	IndicatorDiabetes:        1,
	IndicatorStroke:          2,
	IndicatorVascularDisease: 1,
	IndicatorAge65:           1,
	IndicatorFemale:          1,
}

// cha2ds2vascOrder is the acronym order, used for the breakdown.
var cha2ds2vascOrder = []Indicator{
	IndicatorHeartFailure,
	IndicatorHypertension,
	IndicatorAge75,
	IndicatorDiabetes,
	IndicatorStroke,
	IndicatorVascularDisease,
	IndicatorAge65,
	IndicatorFemale,
}

// AnnualStrokeRisk maps a score to the adjusted annual stroke rate in percent.
var AnnualStrokeRisk = map[int]float64{0: 0, 1: 1.3, 2: 2.2, 3: 3.2, 4: 4.0, 5: 6.7, 6: 9.8, 7: 9.6, 8: 12.5, 9: 15.2}

// CHA2DS2VAScInput is the fixed indicator record. The zero value is a male
// under 65 with no risk factors.
type CHA2DS2VAScInput struct {
	CongestiveHeartFailure bool    `json:"congestive_heart_failure"`
	Hypertension           bool    `json:"hypertension"`
	AgeBand                AgeBand `json:"age_band"`
	Diabetes               bool    `json:"diabetes"`
	StrokeTIA              bool    `json:"stroke_tia_thromboembolism"`
	VascularDisease        bool    `json:"vascular_disease"`
	Sex                    Sex     `json:"sex"`
}

func (CHA2DS2VAScInput) Kind() Kind { return KindCHA2DS2VASc }
func (CHA2DS2VAScInput) sealed()    {}

// Contribution is one scored line of a rule.
type Contribution struct {
	Criterion string  `json:"criterion"`
	Points    float64 `json:"points"`
}

type CHA2DS2VAScResult struct {
	Score            int            `json:"score"`
	Category         RiskLevel      `json:"category"`
	AnnualStrokeRisk float64        `json:"annual_stroke_risk_pct"`
	Breakdown        []Contribution `json:"breakdown"`
}

// ComputeCHA2DS2VASc sums the indicator points. The category ignores the
// female point so that sex alone never raises the risk level.
func ComputeCHA2DS2VASc(in CHA2DS2VAScInput) (CHA2DS2VAScResult, error) {
	if in.AgeBand < AgeUnder65 || in.AgeBand > Age75OrOver {
		return CHA2DS2VAScResult{}, invalid("age_band", fmt.Sprintf("unknown band %d", int(in.AgeBand)))
	}
	if in.Sex != "" && !in.Sex.valid() {
		return CHA2DS2VAScResult{}, invalid("sex", fmt.Sprintf("must be male or female, got %q", in.Sex))
	}

	present := map[Indicator]bool{
		IndicatorHeartFailure:    in.CongestiveHeartFailure,
		IndicatorHypertension:    in.Hypertension,
		IndicatorAge75:           in.AgeBand == Age75OrOver,
		IndicatorDiabetes:        in.Diabetes,
		IndicatorStroke:          in.StrokeTIA,
		IndicatorVascularDisease: in.VascularDisease,
		IndicatorAge65:           in.AgeBand == Age65To74,
		IndicatorFemale:          in.Sex == SexFemale,
	}

	res := CHA2DS2VAScResult{Breakdown: []Contribution{}}
	for _, ind := range cha2ds2vascOrder {
		if !present[ind] {
			continue
		}
		pts := CHA2DS2VAScPoints[ind]
		res.Score += pts
		res.Breakdown = append(res.Breakdown, Contribution{Criterion: string(ind), Points: float64(pts)})
	}

	nonSex := res.Score
	if present[IndicatorFemale] {
		nonSex -= CHA2DS2VAScPoints[IndicatorFemale]
	}
	switch {
	case nonSex == 0:
		res.Category = RiskLow
	case nonSex == 1:
		res.Category = RiskModerate
	default:
		res.Category = RiskHigh
	}
	res.AnnualStrokeRisk = AnnualStrokeRisk[res.Score]
	return res, nil
}

func (r CHA2DS2VAScResult) Summary() Summary {
	s := Summary{
		Kind:     KindCHA2DS2VASc,
		Score:    float64(r.Score),
		Category: string(r.Category),
	}
	s.Interpretation = fmt.Sprintf("%s stroke risk (%.1f%% per year)", r.Category, r.AnnualStrokeRisk)
	switch r.Category {
	case RiskLow:
		s.Recommendation = "No antithrombotic therapy recommended"
	case RiskModerate:
		s.Recommendation = "Consider oral anticoagulation, weighing bleeding risk"
	default:
		s.Recommendation = "Oral anticoagulation recommended unless contraindicated"
	}
	return s
}
