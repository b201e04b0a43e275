package scoring

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Equation is a CKD-EPI style coefficient set:
//
//	Constant · min(Scr/κ,1)^α · max(Scr/κ,1)^ExponentAboveKappa · AgeBase^age
//	  · FemaleFactor (female) · RaceFactor (black, when non-zero)
type Equation struct {
	Name               string  `yaml:"name" json:"name"`
	Constant           float64 `yaml:"constant" json:"constant"`
	KappaFemale        float64 `yaml:"kappa_female" json:"kappa_female"`
	KappaMale          float64 `yaml:"kappa_male" json:"kappa_male"`
	AlphaFemale        float64 `yaml:"alpha_female" json:"alpha_female"`
	AlphaMale          float64 `yaml:"alpha_male" json:"alpha_male"`
	ExponentAboveKappa float64 `yaml:"exponent_above_kappa" json:"exponent_above_kappa"`
	AgeBase            float64 `yaml:"age_base" json:"age_base"`
	FemaleFactor       float64 `yaml:"female_factor" json:"female_factor"`
	RaceFactor         float64 `yaml:"race_factor,omitempty" json:"race_factor,omitempty"`
}

var (
	// CKDEPI2009 is the 2009 refit including the race coefficient.
	CKDEPI2009 = Equation{
		Name:               "ckd-epi-2009",
		Constant:           141,
		KappaFemale:        0.7,
		KappaMale:          0.9,
		AlphaFemale:        -0.329,
		AlphaMale:          -0.411,
		ExponentAboveKappa: -1.209,
		AgeBase:            0.993,
		FemaleFactor:       1.018,
		RaceFactor:         1.159,
	}

	// CKDEPI2021 is the race-free refit.
	CKDEPI2021 = Equation{
		Name:               "ckd-epi-2021",
		Constant:           142,
		KappaFemale:        0.7,
		KappaMale:          0.9,
		AlphaFemale:        -0.241,
		AlphaMale:          -0.302,
		ExponentAboveKappa: -1.200,
		AgeBase:            0.9938,
		FemaleFactor:       1.012,
	}
)

// Validate checks that the coefficients produce a finite, positive estimate.
func (eq Equation) Validate() error {
	switch {
	case eq.Name == "":
		return fmt.Errorf("equation name is required")
	case eq.Constant <= 0:
		return fmt.Errorf("equation %s: constant must be positive", eq.Name)
	case eq.KappaFemale <= 0 || eq.KappaMale <= 0:
		return fmt.Errorf("equation %s: kappa must be positive", eq.Name)
	case eq.AgeBase <= 0 || eq.AgeBase > 1:
		return fmt.Errorf("equation %s: age_base must be in (0, 1]", eq.Name)
	case eq.FemaleFactor <= 0:
		return fmt.Errorf("equation %s: female_factor must be positive", eq.Name)
	case eq.RaceFactor < 0:
		return fmt.Errorf("equation %s: race_factor must not be negative", eq.Name)
	}
	return nil
}

// EquationSet indexes coefficient sets by name.
type EquationSet struct {
	byName map[string]Equation
}

// DefaultEquations returns a set holding the built-in equations.
func DefaultEquations() *EquationSet {
	s := &EquationSet{byName: make(map[string]Equation)}
	s.byName[CKDEPI2009.Name] = CKDEPI2009
	s.byName[CKDEPI2021.Name] = CKDEPI2021
	return s
}

// Add registers eq, replacing any set with the same name.
func (s *EquationSet) Add(eq Equation) error {
	if err := eq.Validate(); err != nil {
		return err
	}
	s.byName[eq.Name] = eq
	return nil
}

func (s *EquationSet) Get(name string) (Equation, bool) {
	eq, ok := s.byName[name]
	return eq, ok
}

// Names returns the registered names in sorted order.
func (s *EquationSet) Names() []string {
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type equationFile struct {
	Equations []Equation `yaml:"equations"`
}

// ParseEquations decodes a YAML document of the form:
//
//	equations:
//	  - name: local-refit
//	    constant: 142
//	    ...
func ParseEquations(data []byte) ([]Equation, error) {
	var f equationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse equations: %w", err)
	}
	for _, eq := range f.Equations {
		if err := eq.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Equations, nil
}
