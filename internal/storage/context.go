package storage

import (
	"context"
	"time"
)

// queryTimeout bounds individual database operations so a stalled query never
// holds a request handler indefinitely.
const queryTimeout = 10 * time.Second

// withQueryTimeout derives a bounded context for a single query. Callers must
// invoke the returned cancel func.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, queryTimeout)
}
