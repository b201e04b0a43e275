package scoring

import "fmt"

// BMICategory is the adult weight band for a body mass index.
type BMICategory string

const (
	BMIUnderweight BMICategory = "Underweight"
	BMINormal      BMICategory = "Normal"
	BMIOverweight  BMICategory = "Overweight"
	BMIObese       BMICategory = "Obese"
)

const (
	poundsToKg  = 0.45359237
	inchesToCm  = 2.54
	minHeightCm = 50
	maxHeightCm = 250
	minWeightKg = 10
	maxWeightKg = 400
)

// BMIInput holds metric measurements.
type BMIInput struct {
	WeightKg float64 `json:"weight_kg"`
	HeightCm float64 `json:"height_cm"`
}

func (BMIInput) Kind() Kind { return KindBMI }
func (BMIInput) sealed()    {}

// BMIResult is the computed index. BMI is rounded to one decimal and the
// category is taken from the rounded value so both always agree on screen.
type BMIResult struct {
	BMI          float64     `json:"bmi"`
	Category     BMICategory `json:"category"`
	ObesityClass int         `json:"obesity_class,omitempty"`
	Warnings     []string    `json:"warnings,omitempty"`
}

// ComputeBMI expects weight in kilograms and height in centimeters.
func ComputeBMI(weightKg, heightCm float64) (BMIResult, error) {
	if err := requirePositive("weight_kg", weightKg); err != nil {
		return BMIResult{}, err
	}
	if err := requirePositive("height_cm", heightCm); err != nil {
		return BMIResult{}, err
	}

	h := heightCm / 100.0
	bmi := roundTo(weightKg/(h*h), 1)

	res := BMIResult{
		BMI:          bmi,
		Category:     BMICategoryFor(bmi),
		ObesityClass: obesityClass(bmi),
	}
	if heightCm < minHeightCm || heightCm > maxHeightCm {
		res.Warnings = append(res.Warnings, fmt.Sprintf("height %.1f cm is outside the plausible adult range", heightCm))
	}
	if weightKg < minWeightKg || weightKg > maxWeightKg {
		res.Warnings = append(res.Warnings, fmt.Sprintf("weight %.1f kg is outside the plausible adult range", weightKg))
	}
	return res, nil
}

// ComputeBMIImperial converts pounds and inches before computing.
func ComputeBMIImperial(weightLb, heightIn float64) (BMIResult, error) {
	in, err := ImperialBMIInput(weightLb, heightIn)
	if err != nil {
		return BMIResult{}, err
	}
	return ComputeBMI(in.WeightKg, in.HeightCm)
}

// ImperialBMIInput converts pounds and inches to a metric input.
func ImperialBMIInput(weightLb, heightIn float64) (BMIInput, error) {
	if err := requirePositive("weight_lb", weightLb); err != nil {
		return BMIInput{}, err
	}
	if err := requirePositive("height_in", heightIn); err != nil {
		return BMIInput{}, err
	}
	return BMIInput{WeightKg: weightLb * poundsToKg, HeightCm: heightIn * inchesToCm}, nil
}

// BMICategoryFor maps an index to its WHO adult band.
func BMICategoryFor(bmi float64) BMICategory {
	switch {
	case bmi < 18.5:
		return BMIUnderweight
	case bmi < 25.0:
		return BMINormal
	case bmi < 30.0:
		return BMIOverweight
	default:
		return BMIObese
	}
}

func obesityClass(bmi float64) int {
	switch {
	case bmi >= 40:
		return 3
	case bmi >= 35:
		return 2
	case bmi >= 30:
		return 1
	default:
		return 0
	}
}

func (r BMIResult) Summary() Summary {
	s := Summary{
		Kind:     KindBMI,
		Score:    r.BMI,
		Category: string(r.Category),
		Warnings: r.Warnings,
	}
	switch r.Category {
	case BMIUnderweight:
		s.Interpretation = "Below the healthy weight range"
		s.Recommendation = "Assess nutritional status and screen for underlying causes"
	case BMINormal:
		s.Interpretation = "Within the healthy weight range"
		s.Recommendation = "Maintain current weight"
	case BMIOverweight:
		s.Interpretation = "Above the healthy weight range"
		s.Recommendation = "Lifestyle counselling on diet and physical activity"
	default:
		s.Interpretation = fmt.Sprintf("Obesity class %d", r.ObesityClass)
		s.Recommendation = "Screen for obesity-related comorbidities and consider a weight management referral"
	}
	return s
}
