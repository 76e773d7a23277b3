// internal/browser/context_utils_test.go
package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type ctxKey string

func TestCombineContext(t *testing.T) {
	const key ctxKey = "target"

	t.Run("ValuesFromPrimary", func(t *testing.T) {
		primary := context.WithValue(context.Background(), key, "tab-1")
		combined, cancel := CombineContext(primary, context.Background())
		defer cancel()

		assert.Equal(t, "tab-1", combined.Value(key))
		assert.NoError(t, combined.Err())
	})

	t.Run("CanceledByPrimary", func(t *testing.T) {
		primary, cancelPrimary := context.WithCancel(context.Background())
		combined, cancel := CombineContext(primary, context.Background())
		defer cancel()

		cancelPrimary()
		assert.Eventually(t, func() bool { return combined.Err() != nil }, time.Second, 5*time.Millisecond)
	})

	t.Run("CanceledBySecondaryDeadline", func(t *testing.T) {
		op, cancelOp := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancelOp()
		combined, cancel := CombineContext(context.Background(), op)
		defer cancel()

		<-combined.Done()
		// The combined context reports Canceled; the operation context keeps the deadline cause.
		assert.ErrorIs(t, combined.Err(), context.Canceled)
		assert.ErrorIs(t, op.Err(), context.DeadlineExceeded)
	})
}

func TestDetach(t *testing.T) {
	const key ctxKey = "target"
	parent, cancel := context.WithTimeout(context.WithValue(context.Background(), key, "tab-1"), time.Millisecond)
	cancel()

	detached := Detach(parent)
	assert.NoError(t, detached.Err())
	assert.Nil(t, detached.Done())
	_, ok := detached.Deadline()
	assert.False(t, ok)
	assert.Equal(t, "tab-1", detached.Value(key))

	// A child of a detached context runs on its own deadline.
	child, cancelChild := context.WithTimeout(detached, time.Hour)
	defer cancelChild()
	assert.NoError(t, child.Err())
}
