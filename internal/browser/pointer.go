// internal/browser/pointer.go
package browser

import "math"

// Vector2D is a point or displacement in viewport CSS pixels.
type Vector2D struct {
	X, Y float64
}

func (v Vector2D) Add(other Vector2D) Vector2D { return Vector2D{X: v.X + other.X, Y: v.Y + other.Y} }

func (v Vector2D) Sub(other Vector2D) Vector2D { return Vector2D{X: v.X - other.X, Y: v.Y - other.Y} }

func (v Vector2D) Mul(scalar float64) Vector2D { return Vector2D{X: v.X * scalar, Y: v.Y * scalar} }

// Mag is the vector length.
func (v Vector2D) Mag() float64 { return math.Hypot(v.X, v.Y) }

// Dist is the Euclidean distance between two points.
func (v Vector2D) Dist(other Vector2D) float64 { return math.Hypot(v.X-other.X, v.Y-other.Y) }

// Rect is an element box in viewport coordinates.
type Rect struct {
	Left, Top, Width, Height float64
}

// Center returns the middle of the box.
func (r Rect) Center() Vector2D {
	return Vector2D{X: r.Left + r.Width/2, Y: r.Top + r.Height/2}
}

// PointerTarget offsets the box center by (dx, dy) and clamps the result one
// pixel inside the box, so the press always lands on the element itself.
func PointerTarget(r Rect, dx, dy float64) Vector2D {
	c := r.Center().Add(Vector2D{X: dx, Y: dy})
	return Vector2D{
		X: clamp(c.X, r.Left+1, r.Left+r.Width-1),
		Y: clamp(c.Y, r.Top+1, r.Top+r.Height-1),
	}
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		return lo + (hi-lo)/2
	}
	return math.Min(math.Max(v, lo), hi)
}

// easeInOutCubic accelerates through the first half of a move and decelerates through the second.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

// Pointer path tuning.
const (
	minPathSteps   = 2
	maxPathSteps   = 40
	pixelsPerStep  = 25.0
	pathBowPercent = 0.08
)

// PointerPath returns the intermediate positions of a pointer moving from
// start to end, ending exactly at end. The path is a cubic Bezier bowed
// slightly to one side and sampled with ease-in-out timing. It is fully
// deterministic for a given start and end.
func PointerPath(start, end Vector2D) []Vector2D {
	dist := start.Dist(end)
	if dist < 1 {
		return []Vector2D{end}
	}

	steps := int(dist / pixelsPerStep)
	steps = max(minPathSteps, min(steps, maxPathSteps))

	dir := end.Sub(start).Mul(1 / dist)
	normal := Vector2D{X: -dir.Y, Y: dir.X}
	bow := normal.Mul(dist * pathBowPercent)
	p0, p3 := start, end
	p1 := start.Add(dir.Mul(dist / 3)).Add(bow)
	p2 := start.Add(dir.Mul(dist * 2 / 3)).Add(bow)

	path := make([]Vector2D, steps)
	for i := range steps {
		t := easeInOutCubic(float64(i+1) / float64(steps))
		omt := 1 - t
		path[i] = p0.Mul(omt * omt * omt).
			Add(p1.Mul(3 * omt * omt * t)).
			Add(p2.Mul(3 * omt * t * t)).
			Add(p3.Mul(t * t * t))
	}
	path[steps-1] = end
	return path
}
