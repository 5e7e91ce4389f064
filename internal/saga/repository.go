package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists operations. Save is optimistic: it succeeds only if
// the stored revision equals op.Revision and then increments op.Revision.
type Repository interface {
	Create(ctx context.Context, op *Operation) error
	Get(ctx context.Context, id uuid.UUID) (*Operation, error)
	Save(ctx context.Context, op *Operation) error
	// ListStale returns non-terminal operations last updated before cutoff,
	// oldest first.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Operation, error)
}
