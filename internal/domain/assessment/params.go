package assessment

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/caredroid/clinicalcalc/pkg/scoring"
)

// ParamError lists every rejected parameter of a request. It matches
// scoring.ErrInvalidInput.
type ParamError struct {
	Fields []FieldError
}

func (e *ParamError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " " + f.Reason
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

func (e *ParamError) Unwrap() error { return scoring.ErrInvalidInput }

// paramReader pulls typed values out of a JSON object, accepting numbers and
// booleans that arrive as strings, and collects every failure.
type paramReader struct {
	raw  map[string]json.RawMessage
	seen  map[string]bool
	errs  []FieldError
	notes []string
}

func newParamReader(raw json.RawMessage) (*paramReader, error) {
	r := &paramReader{raw: map[string]json.RawMessage{}, seen: map[string]bool{}}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return r, nil
	}
	if err := json.Unmarshal(raw, &r.raw); err != nil {
		return nil, &ParamError{Fields: []FieldError{{Field: "parameters", Reason: "must be a JSON object"}}}
	}
	return r, nil
}

func (r *paramReader) fail(field, reason string) {
	r.errs = append(r.errs, FieldError{Field: field, Reason: reason})
}

func (r *paramReader) has(name string) bool {
	v, ok := r.raw[name]
	return ok && string(v) != "null"
}

// get marks name as consumed. Absent and null values report false.
func (r *paramReader) get(name string, required bool) (json.RawMessage, bool) {
	r.seen[name] = true
	if !r.has(name) {
		if required {
			r.fail(name, "is required")
		}
		return nil, false
	}
	return r.raw[name], true
}

func (r *paramReader) number(name string, required bool) (float64, bool) {
	v, ok := r.get(name, required)
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		var s string
		if json.Unmarshal(v, &s) != nil {
			r.fail(name, "must be a number")
			return 0, false
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			r.fail(name, "must be a number")
			return 0, false
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		r.fail(name, "must be a finite number")
		return 0, false
	}
	return f, true
}

func (r *paramReader) integer(name string, required bool) (int, bool) {
	f, ok := r.number(name, required)
	if !ok {
		return 0, false
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		r.fail(name, "must be a whole number")
		return 0, false
	}
	return int(f), true
}

func (r *paramReader) boolean(name string) bool {
	v, ok := r.get(name, false)
	if !ok {
		return false
	}
	var b bool
	if json.Unmarshal(v, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(v, &s) != nil {
		var n float64
		if json.Unmarshal(v, &n) == nil && (n == 0 || n == 1) {
			return n == 1
		}
		r.fail(name, "must be a boolean")
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1":
		return true
	case "false", "no", "n", "0", "":
		return false
	}
	r.fail(name, "must be a boolean")
	return false
}

func (r *paramReader) text(name string, required bool) (string, bool) {
	v, ok := r.get(name, required)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		r.fail(name, "must be a string")
		return "", false
	}
	return strings.TrimSpace(s), true
}

// list accepts a JSON array of strings or one comma-separated string.
func (r *paramReader) list(name string) []string {
	v, ok := r.get(name, false)
	if !ok {
		return nil
	}
	var items []string
	if err := json.Unmarshal(v, &items); err != nil {
		var s string
		if json.Unmarshal(v, &s) != nil {
			r.fail(name, "must be a list of strings")
			return nil
		}
		items = strings.Split(s, ",")
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

// unknown lists parameters nothing consumed, sorted.
func (r *paramReader) unknown() []string {
	var out []string
	for k := range r.raw {
		if !r.seen[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// inputErr folds a scoring error into the reader's list.
func (r *paramReader) inputErr(err error) {
	if ie, ok := err.(*scoring.InputError); ok {
		r.fail(ie.Field, ie.Reason)
		return
	}
	r.fail("parameters", err.Error())
}

func (r *paramReader) err() error {
	if len(r.errs) == 0 {
		return nil
	}
	return &ParamError{Fields: r.errs}
}

// decoded is a request ready for evaluation.
type decoded struct {
	input     scoring.Input
	evaluator scoring.Evaluator
	warnings  []string
}

// decode turns raw parameters into a typed calculator input.
func (s *Service) decode(kind scoring.Kind, raw json.RawMessage) (decoded, error) {
	r, err := newParamReader(raw)
	if err != nil {
		return decoded{}, err
	}
	d := decoded{evaluator: s.evaluator}

	switch kind {
	case scoring.KindBMI:
		d.input = decodeBMI(r)
	case scoring.KindEGFR:
		var eq scoring.Equation
		d.input, eq = s.decodeEGFR(r)
		if eq.Name != "" {
			d.evaluator = scoring.Evaluator{Equation: eq}
		}
	case scoring.KindCHA2DS2VASc:
		d.input = decodeCHA2DS2VASc(r)
	case scoring.KindWells:
		d.input = decodeWells(r)
	default:
		return decoded{}, fmt.Errorf("%w: %s", ErrUnknownCalculator, kind)
	}

	if err := r.err(); err != nil {
		return decoded{}, err
	}
	d.warnings = append(d.warnings, r.notes...)
	for _, k := range r.unknown() {
		d.warnings = append(d.warnings, fmt.Sprintf("unknown parameter %q ignored", k))
	}
	return d, nil
}

func decodeBMI(r *paramReader) scoring.Input {
	if r.has("weight_lb") || r.has("height_in") {
		lb, okW := r.number("weight_lb", true)
		in, okH := r.number("height_in", true)
		if !okW || !okH {
			return nil
		}
		metric, err := scoring.ImperialBMIInput(lb, in)
		if err != nil {
			r.inputErr(err)
			return nil
		}
		return metric
	}
	kg, _ := r.number("weight_kg", true)
	cm, _ := r.number("height_cm", true)
	return scoring.BMIInput{WeightKg: kg, HeightCm: cm}
}

func (s *Service) decodeEGFR(r *paramReader) (scoring.Input, scoring.Equation) {
	in := scoring.EGFRInput{}
	in.CreatinineMgDL, _ = r.number("creatinine_mg_dl", true)
	in.AgeYears, _ = r.integer("age_years", true)
	if sex, ok := r.text("sex", true); ok {
		parsed, err := scoring.ParseSex(sex)
		if err != nil {
			r.inputErr(err)
		}
		in.Sex = parsed
	}
	in.Black = r.boolean("black")

	var eq scoring.Equation
	if name, ok := r.text("equation", false); ok && name != "" {
		found, exists := s.equations.Get(name)
		if !exists {
			r.fail("equation", fmt.Sprintf("must be one of %s", strings.Join(s.equations.Names(), ", ")))
		}
		eq = found
	}
	return in, eq
}

var cha2ds2vascFlags = []string{
	"congestive_heart_failure",
	"hypertension",
	"diabetes",
	"stroke_tia_thromboembolism",
	"vascular_disease",
}

func decodeCHA2DS2VASc(r *paramReader) scoring.Input {
	flags := make(map[string]bool, len(cha2ds2vascFlags))
	for _, f := range cha2ds2vascFlags {
		flags[f] = r.boolean(f)
	}
	in := scoring.CHA2DS2VAScInput{
		CongestiveHeartFailure: flags["congestive_heart_failure"],
		Hypertension:           flags["hypertension"],
		Diabetes:               flags["diabetes"],
		StrokeTIA:              flags["stroke_tia_thromboembolism"],
		VascularDisease:        flags["vascular_disease"],
		Sex:                    scoring.SexMale,
	}

	switch {
	case r.has("age_years"):
		if age, ok := r.integer("age_years", true); ok {
			band, err := scoring.AgeBandFor(age)
			if err != nil {
				r.inputErr(err)
			}
			in.AgeBand = band
		}
		if r.has("age_band") {
			r.get("age_band", false)
			r.fail("age_band", "cannot be combined with age_years")
		}
	default:
		if s, ok := r.text("age_band", false); ok {
			band, err := scoring.ParseAgeBand(s)
			if err != nil {
				r.inputErr(err)
			}
			in.AgeBand = band
		}
	}

	if s, ok := r.text("sex", false); ok && s != "" {
		sex, err := scoring.ParseSex(s)
		if err != nil {
			r.inputErr(err)
		}
		in.Sex = sex
	}
	return in
}

func decodeWells(r *paramReader) scoring.Input {
	in := scoring.WellsInput{}
	if s, ok := r.text("mode", true); ok {
		mode, err := scoring.ParseWellsMode(s)
		if err != nil {
			r.inputErr(err)
		}
		in.Mode = mode
	}
	if s, ok := r.text("pe_scheme", false); ok && s != "" {
		if in.Mode == scoring.WellsDVT {
			r.notes = append(r.notes, `parameter "pe_scheme" ignored for dvt mode`)
		} else {
			in.Scheme = scoring.PEScheme(strings.ToLower(s))
		}
	}
	for _, c := range r.list("criteria") {
		in.Findings = append(in.Findings, scoring.Criterion(c))
	}
	return in
}
