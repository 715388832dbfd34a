package logging

import (
	"context"
	"time"
)

// DetachContext returns a context that keeps the parent's values but is not
// cancelled when the parent is. Trace and conversation writes that outlive a
// request use it.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout detaches from parent and applies its own deadline.
//
//	writeCtx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	err := store.SaveTrace(writeCtx, tr)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
