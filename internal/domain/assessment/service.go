package assessment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/caredroid/clinicalcalc/pkg/scoring"
)

var (
	ErrUnknownCalculator = errors.New("unknown calculator")
	ErrTierRestricted    = errors.New("calculator not available on subscription tier")
	ErrNotFound          = errors.New("assessment not found")
	ErrHistoryDisabled   = errors.New("assessment history is not configured")
	ErrInvalidFilter     = errors.New("invalid filter")
	ErrBatchTooLarge     = errors.New("batch too large")
)

const (
	// MaxBatchSize bounds one batch request.
	MaxBatchSize = 50
	// batchConcurrency bounds how many batch items evaluate at once.
	batchConcurrency = 4
)

// Config wires optional collaborators into the service.
type Config struct {
	// Equations available for eGFR. Nil means the built-in sets.
	Equations *scoring.EquationSet
	// Equation is the default eGFR equation name. Empty means ckd-epi-2009.
	Equation string
	Logger   zerolog.Logger
}

type Service struct {
	repo        AssessmentRepository
	calculators []Calculator
	byID        map[scoring.Kind]Calculator
	equations   *scoring.EquationSet
	evaluator   scoring.Evaluator
	logger      zerolog.Logger
	now         func() time.Time

	mu    sync.Mutex
	stats map[scoring.Kind]*CalculatorStats
}

// NewService builds the orchestrator. repo may be nil, in which case results
// are not persisted and the history operations return ErrHistoryDisabled.
func NewService(repo AssessmentRepository, cfg Config) (*Service, error) {
	equations := cfg.Equations
	if equations == nil {
		equations = scoring.DefaultEquations()
	}
	name := cfg.Equation
	if name == "" {
		name = scoring.CKDEPI2009.Name
	}
	eq, ok := equations.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown eGFR equation %q (available: %s)", name, strings.Join(equations.Names(), ", "))
	}

	s := &Service{
		repo:        repo,
		calculators: buildCatalog(equations.Names()),
		byID:        make(map[scoring.Kind]Calculator),
		equations:   equations,
		evaluator:   scoring.Evaluator{Equation: eq},
		logger:      cfg.Logger,
		now:         time.Now,
		stats:       make(map[scoring.Kind]*CalculatorStats),
	}
	for _, c := range s.calculators {
		s.byID[c.ID] = c
		s.stats[c.ID] = &CalculatorStats{ID: c.ID, Name: c.Name, Category: c.Category}
	}
	return s, nil
}

// HasHistory reports whether executions are persisted.
func (s *Service) HasHistory() bool {
	return s.repo != nil
}

// -- Catalog --

func (s *Service) ListCalculators() []Calculator {
	out := make([]Calculator, len(s.calculators))
	copy(out, s.calculators)
	return out
}

// CalculatorsForTier lists the calculators a caller on tier may execute.
func (s *Service) CalculatorsForTier(tier string) []Calculator {
	var out []Calculator
	for _, c := range s.calculators {
		if TierAllows(tier, c.Tier) {
			out = append(out, c)
		}
	}
	return out
}

// Calculator looks up a catalog entry by id or legacy alias.
func (s *Service) Calculator(id string) (Calculator, error) {
	kind, err := scoring.ParseKind(id)
	if err != nil {
		return Calculator{}, fmt.Errorf("%w: %q", ErrUnknownCalculator, id)
	}
	c, ok := s.byID[kind]
	if !ok {
		return Calculator{}, fmt.Errorf("%w: %q", ErrUnknownCalculator, id)
	}
	return c, nil
}

// -- Evaluation --

// Validate checks parameters the same way Execute would, without the tier
// check, persistence or statistics.
func (s *Service) Validate(ctx context.Context, id string, params json.RawMessage) (*ValidationResult, error) {
	cal, err := s.Calculator(id)
	if err != nil {
		return nil, err
	}
	out := &ValidationResult{Errors: []FieldError{}, Warnings: []string{}}

	d, err := s.decode(cal.ID, params)
	if err == nil {
		var res scoring.Result
		res, err = d.evaluator.Evaluate(d.input)
		if err == nil {
			out.Warnings = append(out.Warnings, d.warnings...)
			out.Warnings = append(out.Warnings, res.Summary().Warnings...)
		}
	}
	if err != nil {
		fields, ok := fieldErrors(err)
		if !ok {
			return nil, err
		}
		out.Errors = fields
	}
	out.Valid = len(out.Errors) == 0
	return out, nil
}

// fieldErrors flattens validation failures. It reports false for any other error.
func fieldErrors(err error) ([]FieldError, bool) {
	var pe *ParamError
	if errors.As(err, &pe) {
		return pe.Fields, true
	}
	var ie *scoring.InputError
	if errors.As(err, &ie) {
		return []FieldError{{Field: ie.Field, Reason: ie.Reason}}, true
	}
	return nil, false
}

// Execute evaluates one request, derives risk and alerts, and persists the
// assessment when history is configured.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (a *Assessment, err error) {
	start := s.now()
	kind := scoring.Kind(req.Calculator)
	defer func() {
		s.record(kind, err)
		var evt *zerolog.Event
		if err != nil {
			evt = s.logger.Warn().Err(err)
		} else {
			evt = s.logger.Info()
		}
		evt = evt.Str("calculator", string(kind)).
			Dur("duration", s.now().Sub(start)).
			Str("performed_by", req.PerformedBy)
		if a != nil {
			evt = evt.Str("category", a.Category).Str("severity", string(a.Severity))
		}
		evt.Msg("calculator executed")
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cal, err := s.Calculator(req.Calculator)
	if err != nil {
		return nil, err
	}
	kind = cal.ID
	if !TierAllows(req.Tier, cal.Tier) {
		return nil, fmt.Errorf("%w: %s requires the %s tier", ErrTierRestricted, cal.ID, cal.Tier)
	}

	d, err := s.decode(cal.ID, req.Parameters)
	if err != nil {
		return nil, err
	}
	res, err := d.evaluator.Evaluate(d.input)
	if err != nil {
		return nil, err
	}

	a, err = s.newAssessment(req, d, res)
	if err != nil {
		return nil, err
	}
	if s.repo != nil {
		if err := s.repo.Create(ctx, a); err != nil {
			return nil, fmt.Errorf("persist assessment: %w", err)
		}
	}
	return a, nil
}

func (s *Service) newAssessment(req ExecuteRequest, d decoded, res scoring.Result) (*Assessment, error) {
	sum := res.Summary()
	risk := AssessRisk(res)

	params, err := json.Marshal(d.input)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	body, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	alerts := ClinicalAlerts(res, risk)
	if alerts == nil {
		alerts = []Alert{}
	}

	return &Assessment{
		ID:             uuid.New(),
		PatientID:      req.PatientID,
		Calculator:     sum.Kind,
		Parameters:     params,
		Score:          sum.Score,
		Category:       sum.Category,
		Interpretation: sum.Interpretation,
		Recommendation: sum.Recommendation,
		Warnings:       append(d.warnings, sum.Warnings...),
		Result:         body,
		RiskScore:      risk.Score,
		Severity:       risk.Severity,
		RiskFactors:    risk.Factors,
		Alerts:         alerts,
		PerformedBy:    req.PerformedBy,
		CreatedAt:      s.now().UTC(),
	}, nil
}

// ExecuteBatch runs every request with bounded concurrency. Item failures are
// reported per item; only an oversized or cancelled batch fails as a whole.
func (s *Service) ExecuteBatch(ctx context.Context, reqs []ExecuteRequest) ([]BatchResult, error) {
	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d requests, limit is %d", ErrBatchTooLarge, len(reqs), MaxBatchSize)
	}

	results := make([]BatchResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			out := BatchResult{Index: i, Calculator: req.Calculator}
			a, err := s.Execute(ctx, req)
			if err != nil {
				out.Error = err.Error()
				out.Errors, _ = fieldErrors(err)
			} else {
				out.Success = true
				out.Assessment = a
				out.Calculator = string(a.Calculator)
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// -- Statistics --

func (s *Service) record(kind scoring.Kind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[kind]
	if !ok {
		return
	}
	st.Executions++
	if err != nil {
		st.Failures++
	}
}

// Statistics summarizes the catalog and the executions since start.
func (s *Service) Statistics() Statistics {
	out := Statistics{
		TotalCalculators: len(s.calculators),
		ByCategory:       make(map[string]int),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calculators {
		out.ByCategory[c.Category]++
		st := *s.stats[c.ID]
		out.TotalExecutions += st.Executions
		out.TotalFailures += st.Failures
		out.Calculators = append(out.Calculators, st)
	}
	return out
}

// -- History --

func (s *Service) history() (AssessmentRepository, error) {
	if s.repo == nil {
		return nil, ErrHistoryDisabled
	}
	return s.repo, nil
}

func (s *Service) GetAssessment(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	repo, err := s.history()
	if err != nil {
		return nil, err
	}
	return repo.GetByID(ctx, id)
}

func (s *Service) ListAssessments(ctx context.Context, limit, offset int) ([]*Assessment, int, error) {
	repo, err := s.history()
	if err != nil {
		return nil, 0, err
	}
	return repo.List(ctx, limit, offset)
}

func (s *Service) ListAssessmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Assessment, int, error) {
	repo, err := s.history()
	if err != nil {
		return nil, 0, err
	}
	return repo.ListByPatient(ctx, patientID, limit, offset)
}

// searchFilters are the accepted SearchAssessments keys.
var searchFilters = map[string]bool{
	"patient_id": true, "calculator": true, "category": true,
	"severity": true, "since": true, "until": true,
}

// SearchAssessments filters history. Values are normalized before they reach
// the repository: calculator aliases resolve to their id and times must be
// RFC 3339.
func (s *Service) SearchAssessments(ctx context.Context, params map[string]string, limit, offset int) ([]*Assessment, int, error) {
	repo, err := s.history()
	if err != nil {
		return nil, 0, err
	}
	clean := make(map[string]string, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		if !searchFilters[k] {
			return nil, 0, fmt.Errorf("%w: unsupported parameter %q", ErrInvalidFilter, k)
		}
		switch k {
		case "patient_id":
			if _, err := uuid.Parse(v); err != nil {
				return nil, 0, fmt.Errorf("%w: patient_id must be a UUID", ErrInvalidFilter)
			}
		case "calculator":
			kind, err := scoring.ParseKind(v)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: unknown calculator %q", ErrInvalidFilter, v)
			}
			v = string(kind)
		case "severity":
			if _, ok := ParseSeverity(v); !ok {
				return nil, 0, fmt.Errorf("%w: unknown severity %q", ErrInvalidFilter, v)
			}
		case "since", "until":
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				return nil, 0, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", ErrInvalidFilter, k)
			}
		}
		clean[k] = v
	}
	return repo.Search(ctx, clean, limit, offset)
}

func (s *Service) DeleteAssessment(ctx context.Context, id uuid.UUID) error {
	repo, err := s.history()
	if err != nil {
		return err
	}
	return repo.Delete(ctx, id)
}

// PruneAssessments deletes assessments created before the cutoff.
func (s *Service) PruneAssessments(ctx context.Context, before time.Time) (int64, error) {
	repo, err := s.history()
	if err != nil {
		return 0, err
	}
	n, err := repo.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune assessments: %w", err)
	}
	return n, nil
}
