package registry

import (
	"context"
	"errors"

	"github.com/MrSnakeDoc/beacon/internal/domain"
)

var (
	// ErrNotFound is returned when no host exists under the requested name.
	ErrNotFound = errors.New("host not found")
	// ErrConflict is returned when a compare-and-swap write lost against another writer.
	ErrConflict = errors.New("host version conflict")
)

// Store is the durable backend behind the Registry.
//
// Implementations must make Put and Delete atomic compare-and-swap operations
// on Host.Version so that several registry processes sharing one backend
// cannot lose updates:
//   - Put with Version == 0 creates the row and fails with ErrConflict if it exists.
//   - Put with Version == n succeeds only if the stored version is n; the
//     stored version becomes n+1 and host.Version is updated in place.
//   - Delete succeeds only if the stored version equals version.
type Store interface {
	Get(ctx context.Context, hostname string) (*domain.Host, error)
	Put(ctx context.Context, host *domain.Host) error
	Delete(ctx context.Context, hostname string, version int64) error
	List(ctx context.Context) ([]*domain.Host, error)
	Ping(ctx context.Context) error
	Close() error
}
