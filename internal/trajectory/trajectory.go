// Package trajectory classifies pointer trajectories into gestures.
//
// The analyzer consumes raw pointer samples, keeps a bounded buffer of
// recent points, and derives distance, velocity, and direction-change
// statistics. Its one real job is answering "is this a shake": rapid
// back-and-forth motion that crosses a direction-change threshold
// inside a short window. Output is advisory only: the analyzer never
// mutates sensor state; callers decide what to do with a detection.
package trajectory

import (
	"math"
	"sync"
	"time"
)

// Point is one recorded trajectory position.
type Point struct {
	X  float64
	Y  float64
	At time.Time
}

// Thresholds defines the tuning knobs for gesture classification.
type Thresholds struct {
	// TurnAngle is the minimum absolute turn angle, in radians, for a
	// point triple to count as a direction change.
	TurnAngle float64

	// ShakeChanges is the direction-change count that classifies a
	// shake, before sensitivity scaling.
	ShakeChanges int

	// ShakeWindow bounds how far back direction changes may lie to
	// still count toward a shake.
	ShakeWindow time.Duration

	// Sensitivity scales ShakeChanges: 2.0 halves the required count,
	// 0.5 doubles it. Values <= 0 fall back to 1.0.
	Sensitivity float64
}

// DefaultThresholds returns the tuning used in production.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TurnAngle:    math.Pi / 4,
		ShakeChanges: 6,
		ShakeWindow:  500 * time.Millisecond,
		Sensitivity:  1.0,
	}
}

// requiredChanges applies sensitivity scaling, never below 2.
func (t Thresholds) requiredChanges() int {
	s := t.Sensitivity
	if s <= 0 {
		s = 1.0
	}
	n := int(math.Ceil(float64(t.ShakeChanges) / s))
	if n < 2 {
		n = 2
	}
	return n
}

// maxPoints caps the trajectory buffer; the oldest point is evicted
// once the cap is reached.
const maxPoints = 100

// Stats is a snapshot of the accumulated trajectory statistics.
type Stats struct {
	Points           int           `json:"points"`
	TotalDistance    float64       `json:"total_distance"`
	MoveCount        int           `json:"move_count"`
	DirectionChanges int           `json:"direction_changes"`
	MaxVelocity      float64       `json:"max_velocity"`
	AvgVelocity      float64       `json:"avg_velocity"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Analyzer accumulates pointer samples for one candidate gesture.
//
// It is safe for concurrent use, though in practice one analyzer is
// fed from a single hook thread and read from the dispatch side.
type Analyzer struct {
	mu sync.RWMutex

	thresholds Thresholds

	points []Point

	// Direction changes, with timestamps for the windowed shake count.
	changeTimes []time.Time

	startTime   time.Time
	lastTime    time.Time
	totalDist   float64
	moveCount   int
	maxVelocity float64
	avgVelocity float64

	shakeSeen bool
}

// NewAnalyzer creates an analyzer with default thresholds.
func NewAnalyzer() *Analyzer {
	return NewAnalyzerWithThresholds(DefaultThresholds())
}

// NewAnalyzerWithThresholds creates an analyzer with custom tuning.
func NewAnalyzerWithThresholds(t Thresholds) *Analyzer {
	return &Analyzer{thresholds: t.normalized()}
}

// SetThresholds replaces the tuning. It takes effect from the next
// sample; an in-flight session keeps its accumulated state.
func (a *Analyzer) SetThresholds(t Thresholds) {
	a.mu.Lock()
	a.thresholds = t.normalized()
	a.mu.Unlock()
}

// Thresholds returns the active tuning.
func (a *Analyzer) Thresholds() Thresholds {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.thresholds
}

// normalized replaces zero or nonsensical fields with the defaults so
// a partially-populated Thresholds never disables detection outright.
func (t Thresholds) normalized() Thresholds {
	if t.TurnAngle <= 0 {
		t.TurnAngle = math.Pi / 4
	}
	if t.ShakeChanges <= 0 {
		t.ShakeChanges = 6
	}
	if t.ShakeWindow <= 0 {
		t.ShakeWindow = 500 * time.Millisecond
	}
	return t
}

// Observe feeds one pointer sample into the analyzer. Samples with
// zero or negative elapsed time since the previous one update the
// buffer but contribute nothing to velocity (clock anomaly guard).
func (a *Analyzer) Observe(x, y float64, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := Point{X: x, Y: y, At: at}

	if len(a.points) == 0 {
		a.startTime = at
		a.lastTime = at
		a.points = append(a.points, p)
		return
	}

	prev := a.points[len(a.points)-1]
	dist := math.Hypot(x-prev.X, y-prev.Y)
	elapsed := at.Sub(a.lastTime)

	a.totalDist += dist
	a.moveCount++

	if elapsed > 0 {
		v := dist / elapsed.Seconds()
		if v > a.maxVelocity {
			a.maxVelocity = v
		}
		// Running average over the samples that had usable timing.
		n := float64(a.moveCount)
		a.avgVelocity = (a.avgVelocity*(n-1) + v) / n
		a.lastTime = at
	}

	a.points = append(a.points, p)
	if len(a.points) > maxPoints {
		a.points = a.points[1:]
	}

	// A new point closes a triple: check the turn it formed.
	if n := len(a.points); n >= 3 {
		if turnExceeds(a.points[n-3], a.points[n-2], a.points[n-1], a.thresholds.TurnAngle) {
			a.changeTimes = append(a.changeTimes, at)
		}
	}
}

// turnExceeds reports whether the signed turn angle at b, formed by
// segments a→b and b→c, exceeds the threshold in magnitude.
func turnExceeds(a, b, c Point, threshold float64) bool {
	v1x, v1y := b.X-a.X, b.Y-a.Y
	v2x, v2y := c.X-b.X, c.Y-b.Y

	cross := v1x*v2y - v1y*v2x
	dot := v1x*v2x + v1y*v2y

	angle := math.Atan2(cross, dot)
	return math.Abs(angle) > threshold
}

// recentChangesLocked counts direction changes inside the trailing
// shake window ending at now.
func (a *Analyzer) recentChangesLocked(now time.Time) int {
	cutoff := now.Add(-a.thresholds.ShakeWindow)
	count := 0
	for i := len(a.changeTimes) - 1; i >= 0; i-- {
		if a.changeTimes[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// ShakeDetected reports whether the trailing window holds enough
// direction changes to classify a shake. The window ends at the most
// recent sample, so replayed trajectories classify deterministically.
func (a *Analyzer) ShakeDetected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.points) == 0 {
		return false
	}
	now := a.points[len(a.points)-1].At
	return a.recentChangesLocked(now) >= a.thresholds.requiredChanges()
}

// TakeShake consumes a pending shake detection. It returns true at
// most once per detection; the analyzer re-arms only after Reset, so a
// single physical shake raises a single gesture.
func (a *Analyzer) TakeShake() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.shakeSeen || len(a.points) == 0 {
		return false
	}
	now := a.points[len(a.points)-1].At
	if a.recentChangesLocked(now) < a.thresholds.requiredChanges() {
		return false
	}
	a.shakeSeen = true
	return true
}

// DirectionChanges returns the total direction changes observed over
// the whole trajectory.
func (a *Analyzer) DirectionChanges() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.changeTimes)
}

// Stats returns a snapshot of the accumulated statistics.
func (a *Analyzer) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Stats{
		Points:           len(a.points),
		TotalDistance:    a.totalDist,
		MoveCount:        a.moveCount,
		DirectionChanges: len(a.changeTimes),
		MaxVelocity:      a.maxVelocity,
		AvgVelocity:      a.avgVelocity,
	}
	if !a.startTime.IsZero() {
		s.Elapsed = a.lastTime.Sub(a.startTime)
	}
	return s
}

// Points returns a copy of the buffered trajectory.
func (a *Analyzer) Points() []Point {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Point, len(a.points))
	copy(out, a.points)
	return out
}

// Reset clears all state and re-arms shake detection.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.points = nil
	a.changeTimes = nil
	a.startTime = time.Time{}
	a.lastTime = time.Time{}
	a.totalDist = 0
	a.moveCount = 0
	a.maxVelocity = 0
	a.avgVelocity = 0
	a.shakeSeen = false
}

// CountDirectionChanges walks a finished trajectory and counts turns
// exceeding the default angle threshold (standalone helper).
func CountDirectionChanges(points []Point) int {
	if len(points) < 3 {
		return 0
	}
	threshold := DefaultThresholds().TurnAngle
	count := 0
	for i := 2; i < len(points); i++ {
		if turnExceeds(points[i-2], points[i-1], points[i], threshold) {
			count++
		}
	}
	return count
}
