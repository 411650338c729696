package out

import (
	"context"

	"github.com/google/uuid"
)

// WatchRenewer renews or tears down a single user's mailbox push watch
// (spec §4.7). It is the seam the Watch Manager sweeps over.
type WatchRenewer interface {
	RenewWatch(ctx context.Context, userID uuid.UUID) error
	StopWatch(ctx context.Context, userID uuid.UUID) error
}
