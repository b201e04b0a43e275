package assessment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AssessmentRepository stores executed assessments. GetByID and Delete return
// ErrNotFound for unknown ids.
type AssessmentRepository interface {
	Create(ctx context.Context, a *Assessment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Assessment, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Assessment, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Assessment, int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Assessment, int, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
