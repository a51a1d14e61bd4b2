package sensor

import (
	"context"
	"sync"
	"time"
)

// SimulatedSensor is a sensor for testing that doesn't hook real
// pointer input. Samples are injected through the Simulate methods
// and flow through the same classification core as real hooks.
type SimulatedSensor struct {
	BaseSensor
	ctx    context.Context
	cancel context.CancelFunc

	payloadMu sync.Mutex
	payload   []FileDescriptor
}

// NewSimulated creates a sensor for testing.
func NewSimulated() *SimulatedSensor {
	s := &SimulatedSensor{}
	s.initBase(s.inspectPayload)
	return s
}

func (s *SimulatedSensor) inspectPayload() []FileDescriptor {
	s.payloadMu.Lock()
	defer s.payloadMu.Unlock()
	out := make([]FileDescriptor, len(s.payload))
	copy(out, s.payload)
	return out
}

// SetPayload installs the file list future drags will report.
func (s *SimulatedSensor) SetPayload(files []FileDescriptor) {
	s.payloadMu.Lock()
	s.payload = files
	s.payloadMu.Unlock()
}

// Start begins the simulated sensor.
func (s *SimulatedSensor) Start(ctx context.Context) error {
	if s.Monitoring() {
		return nil
	}
	s.rearm()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.SetMonitoring(true)
	return nil
}

// Stop stops the simulated sensor.
func (s *SimulatedSensor) Stop() error {
	if !s.Monitoring() {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.SetMonitoring(false)
	s.closeQueue()
	return nil
}

// SimulateButtonDown injects a primary-button press.
func (s *SimulatedSensor) SimulateButtonDown(x, y float64, at time.Time) {
	if s.Monitoring() {
		s.ButtonDown(x, y, at)
	}
}

// SimulateMove injects a pointer move.
func (s *SimulatedSensor) SimulateMove(x, y float64, at time.Time) {
	if s.Monitoring() {
		s.PointerMove(x, y, at)
	}
}

// SimulateButtonUp injects a primary-button release.
func (s *SimulatedSensor) SimulateButtonUp(x, y float64, at time.Time) {
	if s.Monitoring() {
		s.ButtonUp(x, y, at)
	}
}

// SimulateDrag replays a full press-move-release sequence with a
// fixed inter-sample interval.
func (s *SimulatedSensor) SimulateDrag(points [][2]float64, start time.Time, step time.Duration) {
	if len(points) == 0 {
		return
	}
	s.SimulateButtonDown(points[0][0], points[0][1], start)
	for i := 1; i < len(points); i++ {
		s.SimulateMove(points[i][0], points[i][1], start.Add(time.Duration(i)*step))
	}
	last := points[len(points)-1]
	s.SimulateButtonUp(last[0], last[1], start.Add(time.Duration(len(points))*step))
}

// Available returns true (simulated is always available).
func (s *SimulatedSensor) Available() (bool, string) {
	return true, "simulated sensor (for testing)"
}
