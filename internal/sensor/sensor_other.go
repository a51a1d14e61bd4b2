//go:build !windows && !darwin && !linux

package sensor

import "context"

// UnsupportedSensor is used on platforms without drag sensing support.
type UnsupportedSensor struct {
	BaseSensor
}

func newPlatformSensor() Sensor {
	u := &UnsupportedSensor{}
	u.initBase(nil)
	return u
}

func (u *UnsupportedSensor) Available() (bool, string) {
	return false, "drag sensing not supported on this platform"
}

func (u *UnsupportedSensor) Start(ctx context.Context) error {
	return ErrNotAvailable
}

func (u *UnsupportedSensor) Stop() error {
	return nil
}
