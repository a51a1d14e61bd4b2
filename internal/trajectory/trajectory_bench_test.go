package trajectory

import (
	"fmt"
	"testing"
	"time"
)

// BenchmarkObserve benchmarks feeding samples into the analyzer.
func BenchmarkObserve(b *testing.B) {
	analyzer := NewAnalyzer()
	now := time.Now()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		now = now.Add(8 * time.Millisecond)
		analyzer.Observe(float64(i%400), float64(i%300), now)
	}
}

// BenchmarkObserveZigzag benchmarks the worst case where every sample
// produces a direction change.
func BenchmarkObserveZigzag(b *testing.B) {
	analyzer := NewAnalyzer()
	now := time.Now()
	x := 0.0
	dir := 1.0

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		now = now.Add(8 * time.Millisecond)
		analyzer.Observe(x, 0, now)
		x += dir * 40
		dir = -dir
	}

	b.ReportMetric(float64(analyzer.DirectionChanges()), "direction_changes")
}

// BenchmarkShakeDetected benchmarks the windowed shake query at
// varying trajectory sizes.
func BenchmarkShakeDetected(b *testing.B) {
	sizes := []int{10, 50, 100}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("points_%d", size), func(b *testing.B) {
			analyzer := NewAnalyzer()
			now := time.Now()
			x := 0.0
			dir := 1.0
			for i := 0; i < size; i++ {
				now = now.Add(20 * time.Millisecond)
				analyzer.Observe(x, 0, now)
				x += dir * 40
				dir = -dir
			}

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				detected := analyzer.ShakeDetected()
				_ = detected
			}
		})
	}
}

// BenchmarkStats benchmarks the stats snapshot.
func BenchmarkStats(b *testing.B) {
	analyzer := NewAnalyzer()
	now := time.Now()
	for i := 0; i < maxPoints; i++ {
		now = now.Add(10 * time.Millisecond)
		analyzer.Observe(float64(i)*7, float64(i)*3, now)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		stats := analyzer.Stats()
		_ = stats
	}
}

// BenchmarkCountDirectionChanges benchmarks the standalone counter on
// a replayed trajectory.
func BenchmarkCountDirectionChanges(b *testing.B) {
	pts := make([]Point, maxPoints)
	base := time.Now()
	x := 0.0
	dir := 1.0
	for i := range pts {
		pts[i] = Point{X: x, Y: float64(i % 5), At: base.Add(time.Duration(i) * 10 * time.Millisecond)}
		x += dir * 30
		if i%3 == 0 {
			dir = -dir
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		n := CountDirectionChanges(pts)
		_ = n
	}
}
