package assessment

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"

	"github.com/caredroid/clinicalcalc/internal/platform/db"
)

// RetentionJob deletes assessments older than the retention period in each
// configured tenant schema.
type RetentionJob struct {
	svc     *Service
	tenants []string
	period  time.Duration
	logger  zerolog.Logger
	now     func() time.Time
	scope   func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error
}

func NewRetentionJob(svc *Service, pool *pgxpool.Pool, tenants []string, period time.Duration, logger zerolog.Logger) *RetentionJob {
	return &RetentionJob{
		svc:     svc,
		tenants: tenants,
		period:  period,
		logger:  logger,
		now:     time.Now,
		scope: func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
			return db.WithTenant(ctx, pool, tenant, fn)
		},
	}
}

// RunOnce prunes every tenant and returns the total number of rows deleted.
// A failing tenant does not stop the others; the first error is returned.
func (j *RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	if j.period <= 0 {
		return 0, nil
	}
	cutoff := j.now().Add(-j.period)

	var total int64
	var firstErr error
	for _, tenant := range j.tenants {
		err := j.scope(ctx, tenant, func(ctx context.Context) error {
			n, err := j.svc.PruneAssessments(ctx, cutoff)
			if err != nil {
				return err
			}
			total += n
			j.logger.Info().
				Str("tenant_id", tenant).
				Int64("deleted", n).
				Time("cutoff", cutoff).
				Msg("assessment retention applied")
			return nil
		})
		if err != nil {
			j.logger.Error().Err(err).Str("tenant_id", tenant).Msg("assessment retention failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("tenant %s: %w", tenant, err)
			}
		}
	}
	return total, firstErr
}

// ScheduleRetention registers the job on c. spec uses robfig/cron syntax,
// which has a leading seconds field, or a descriptor such as @daily.
func ScheduleRetention(c *cron.Cron, spec string, job *RetentionJob) error {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		_, _ = job.RunOnce(ctx)
	})
}
