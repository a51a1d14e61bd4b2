//go:build darwin && !cgo

package sensor

import "context"

// DarwinSensor is a stub when CGO is not available. The full
// implementation requires CGO for CGEventTap and the drag pasteboard.
type DarwinSensor struct {
	BaseSensor
}

func newPlatformSensor() Sensor {
	d := &DarwinSensor{}
	d.initBase(nil)
	return d
}

// Available returns false when CGO is not available.
func (d *DarwinSensor) Available() (bool, string) {
	return false, "macOS drag sensing requires CGO (rebuild with CGO_ENABLED=1)"
}

// Start returns an error when CGO is not available.
func (d *DarwinSensor) Start(ctx context.Context) error {
	return ErrNotAvailable
}

// Stop is a no-op.
func (d *DarwinSensor) Stop() error {
	return nil
}

// CheckAccessibility returns false without CGO.
func CheckAccessibility() bool {
	return false
}

// PromptAccessibility returns false without CGO.
func PromptAccessibility() bool {
	return false
}
