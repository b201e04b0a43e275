package assessment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caredroid/clinicalcalc/internal/platform/db"
	"github.com/caredroid/clinicalcalc/pkg/scoring"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type assessmentRepoPG struct{ pool *pgxpool.Pool }

func NewAssessmentRepoPG(pool *pgxpool.Pool) AssessmentRepository {
	return &assessmentRepoPG{pool: pool}
}

// conn prefers the tenant-scoped connection placed in ctx by the tenant
// middleware or db.WithTenant.
func (r *assessmentRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const assessmentCols = `id, patient_id, calculator, parameters, score, category,
	interpretation, recommendation, result, risk_score, severity, alerts,
	performed_by, created_at`

func (r *assessmentRepoPG) scan(row pgx.Row) (*Assessment, error) {
	var (
		a                          Assessment
		calculator, severity       string
		params, result, alertsJSON []byte
	)
	err := row.Scan(&a.ID, &a.PatientID, &calculator, &params, &a.Score, &a.Category,
		&a.Interpretation, &a.Recommendation, &result, &a.RiskScore, &severity, &alertsJSON,
		&a.PerformedBy, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Calculator = scoring.Kind(calculator)
	a.Severity = Severity(severity)
	a.Parameters = params
	a.Result = result
	if len(alertsJSON) > 0 {
		if err := json.Unmarshal(alertsJSON, &a.Alerts); err != nil {
			return nil, fmt.Errorf("decode alerts: %w", err)
		}
	}
	return &a, nil
}

func (r *assessmentRepoPG) Create(ctx context.Context, a *Assessment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	alerts, err := json.Marshal(a.Alerts)
	if err != nil {
		return fmt.Errorf("encode alerts: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO assessment (id, patient_id, calculator, parameters, score, category,
			interpretation, recommendation, result, risk_score, severity, alerts,
			performed_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.PatientID, string(a.Calculator), []byte(a.Parameters), a.Score, a.Category,
		a.Interpretation, a.Recommendation, []byte(a.Result), a.RiskScore, string(a.Severity), alerts,
		a.PerformedBy, a.CreatedAt)
	return err
}

func (r *assessmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+assessmentCols+` FROM assessment WHERE id = $1`, id))
}

func (r *assessmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM assessment WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *assessmentRepoPG) List(ctx context.Context, limit, offset int) ([]*Assessment, int, error) {
	return r.Search(ctx, nil, limit, offset)
}

func (r *assessmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Assessment, int, error) {
	return r.Search(ctx, map[string]string{"patient_id": patientID.String()}, limit, offset)
}

// searchClauses maps filter keys to their SQL predicate.
var searchClauses = map[string]string{
	"patient_id": `patient_id = $%d`,
	"calculator": `calculator = $%d`,
	"category":   `lower(category) = lower($%d)`,
	"severity":   `severity = $%d`,
	"since":      `created_at >= $%d`,
	"until":      `created_at < $%d`,
}

// searchOrder fixes the clause order so generated SQL is stable.
var searchOrder = []string{"patient_id", "calculator", "category", "severity", "since", "until"}

// searchWhere builds the filter predicate shared by the page and count
// queries. It returns the next free placeholder index.
func searchWhere(params map[string]string) (string, []interface{}, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	for _, key := range searchOrder {
		v, ok := params[key]
		if !ok || v == "" {
			continue
		}
		where += ` AND ` + fmt.Sprintf(searchClauses[key], idx)
		switch key {
		case "since", "until":
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return "", nil, 0, fmt.Errorf("%w: %s", ErrInvalidFilter, key)
			}
			args = append(args, t)
		default:
			args = append(args, v)
		}
		idx++
	}
	return where, args, idx, nil
}

func (r *assessmentRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Assessment, int, error) {
	where, args, idx, err := searchWhere(params)
	if err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + assessmentCols + ` FROM assessment` + where
	countQuery := `SELECT COUNT(*) FROM assessment` + where

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Assessment
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *assessmentRepoPG) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM assessment WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
