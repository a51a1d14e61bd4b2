package sensor

import (
	"testing"
	"time"
)

// BenchmarkPointerMove measures the hook-thread hot path with an
// established drag session.
func BenchmarkPointerMove(b *testing.B) {
	s := &BaseSensor{}
	s.initBase(func() []FileDescriptor { return testPayload(3) })
	s.ButtonDown(0, 0, testBase)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		at := testBase.Add(time.Duration(i) * time.Millisecond)
		s.PointerMove(float64(i%200), 0, at)
	}
}

// BenchmarkDragCycle measures a full press-move-release session
// including payload inspection and gesture publishing.
func BenchmarkDragCycle(b *testing.B) {
	s := &BaseSensor{}
	s.initBase(func() []FileDescriptor { return testPayload(3) })

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		base := testBase.Add(time.Duration(i) * time.Second)
		s.ButtonDown(0, 0, base)
		s.PointerMove(20, 0, base.Add(20*time.Millisecond))
		s.PointerMove(40, 0, base.Add(40*time.Millisecond))
		s.ButtonUp(40, 0, base.Add(60*time.Millisecond))
	}
}

// BenchmarkDescribeFile measures descriptor construction against a
// nonexistent path (the stat-miss case).
func BenchmarkDescribeFile(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		DescribeFile("/nonexistent/shelfd/bench.txt")
	}
}
