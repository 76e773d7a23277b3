// internal/browser/context_utils.go
package browser

import "context"

// CombineContext derives a context from ctx1 that is also canceled when ctx2
// is. Values come from ctx1 only. Tab contexts carry the CDP target in their
// values, while the caller's context carries the deadline, so every browser
// call runs on a combination of the two.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}

// Detach returns a context that keeps the values of ctx but is never
// cancelled with it. Window restoration and session teardown run on a
// detached context with their own timeout so that they still happen after
// the scan context is gone.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
