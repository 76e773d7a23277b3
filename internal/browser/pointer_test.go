// internal/browser/pointer_test.go
package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVector2D(t *testing.T) {
	a := Vector2D{X: 3, Y: 4}
	assert.Equal(t, 5.0, a.Mag())
	assert.Equal(t, Vector2D{X: 4, Y: 6}, a.Add(Vector2D{X: 1, Y: 2}))
	assert.Equal(t, Vector2D{X: 2, Y: 2}, a.Sub(Vector2D{X: 1, Y: 2}))
	assert.Equal(t, Vector2D{X: 6, Y: 8}, a.Mul(2))
	assert.Equal(t, 5.0, Vector2D{}.Dist(a))
}

func TestEaseInOutCubic(t *testing.T) {
	assert.Equal(t, 0.0, easeInOutCubic(0))
	assert.InDelta(t, 0.5, easeInOutCubic(0.5), 1e-9)
	assert.Equal(t, 1.0, easeInOutCubic(1))
	assert.Less(t, easeInOutCubic(0.25), 0.25, "slow start")
	assert.Greater(t, easeInOutCubic(0.75), 0.75, "slow finish")
}

func TestPointerTarget(t *testing.T) {
	box := Rect{Left: 100, Top: 200, Width: 300, Height: 250}

	assert.Equal(t, Vector2D{X: 230, Y: 315}, PointerTarget(box, -20, -10))
	assert.Equal(t, Vector2D{X: 250, Y: 325}, PointerTarget(box, 0, 0))

	// Offsets larger than the box are pulled back inside it.
	got := PointerTarget(box, -1000, 1000)
	assert.Equal(t, Vector2D{X: 101, Y: 449}, got)

	// A box thinner than two pixels collapses onto its middle.
	thin := Rect{Left: 10, Top: 10, Width: 1, Height: 1}
	assert.Equal(t, Vector2D{X: 10.5, Y: 10.5}, PointerTarget(thin, -20, -10))
}

func TestPointerPath(t *testing.T) {
	start := Vector2D{X: 0, Y: 0}
	end := Vector2D{X: 500, Y: 300}

	path := PointerPath(start, end)
	require.NotEmpty(t, path)
	assert.LessOrEqual(t, len(path), maxPathSteps)
	assert.Equal(t, end, path[len(path)-1])
	assert.Equal(t, path, PointerPath(start, end), "paths are deterministic")

	// The path moves monotonically closer to the target.
	prev := start.Dist(end)
	for _, p := range path {
		d := p.Dist(end)
		assert.LessOrEqual(t, d, prev+1e-9)
		prev = d
	}

	assert.Equal(t, []Vector2D{end}, PointerPath(end, end))
}
