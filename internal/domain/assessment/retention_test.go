package assessment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron"
	"github.com/rs/zerolog"
)

func newTestRetentionJob(svc *Service, tenants []string, period time.Duration, now time.Time) (*RetentionJob, *[]string) {
	var visited []string
	job := &RetentionJob{
		svc:     svc,
		tenants: tenants,
		period:  period,
		logger:  zerolog.Nop(),
		now:     func() time.Time { return now },
		scope: func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
			visited = append(visited, tenant)
			if tenant == "broken" {
				return errors.New("schema missing")
			}
			return fn(ctx)
		},
	}
	return job, &visited
}

func TestRetentionJob_RunOnce(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo)
	now := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{1, 10, 40, 90} {
		ts := now.Add(-age * 24 * time.Hour)
		svc.now = func() time.Time { return ts }
		if _, err := execute(t, svc, "bmi", TierFree, map[string]interface{}{"weight_kg": 70, "height_cm": 175}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	job, visited := newTestRetentionJob(svc, []string{"acme"}, 30*24*time.Hour, now)
	n, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}
	if repo.count() != 2 {
		t.Errorf("expected 2 remaining, got %d", repo.count())
	}
	if len(*visited) != 1 || (*visited)[0] != "acme" {
		t.Errorf("expected tenant acme to be visited, got %v", *visited)
	}
}

func TestRetentionJob_Disabled(t *testing.T) {
	job, visited := newTestRetentionJob(newTestService(t, newMockRepo()), []string{"acme"}, 0, time.Now())
	n, err := job.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Errorf("expected no-op, got %d, %v", n, err)
	}
	if len(*visited) != 0 {
		t.Errorf("expected no tenants visited, got %v", *visited)
	}
}

func TestRetentionJob_ContinuesAfterFailure(t *testing.T) {
	job, visited := newTestRetentionJob(newTestService(t, newMockRepo()), []string{"broken", "acme"}, 24*time.Hour, time.Now())
	_, err := job.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error from broken tenant")
	}
	if len(*visited) != 2 {
		t.Errorf("expected both tenants visited, got %v", *visited)
	}
}

func TestRetentionJob_NoHistory(t *testing.T) {
	job, _ := newTestRetentionJob(newTestService(t, nil), []string{"acme"}, 24*time.Hour, time.Now())
	if _, err := job.RunOnce(context.Background()); !errors.Is(err, ErrHistoryDisabled) {
		t.Errorf("expected ErrHistoryDisabled, got %v", err)
	}
}

func TestScheduleRetention(t *testing.T) {
	job, _ := newTestRetentionJob(newTestService(t, nil), nil, 0, time.Now())
	c := cron.New()
	if err := ScheduleRetention(c, "@daily", job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(c.Entries()); got != 1 {
		t.Errorf("expected 1 entry, got %d", got)
	}
	if err := ScheduleRetention(c, "every tuesday", job); err == nil {
		t.Error("expected error for invalid spec")
	}
}
