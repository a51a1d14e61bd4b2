//go:build linux

package sensor

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// LinuxSensor senses drags from /dev/input pointer devices. evdev
// exposes button state and relative motion but no drag payload, so
// drags classify with zero files on this platform.
type LinuxSensor struct {
	BaseSensor
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	devices []string
}

func newPlatformSensor() Sensor {
	l := &LinuxSensor{}
	l.initBase(nil)
	return l
}

// Available checks if we can read a pointer device.
func (l *LinuxSensor) Available() (bool, string) {
	devices, err := findPointerDevices()
	if err != nil {
		return false, fmt.Sprintf("cannot find pointer devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no pointer devices found"
	}

	for _, dev := range devices {
		fd, err := unix.Open(dev, unix.O_RDONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			unix.Close(fd)
			return true, fmt.Sprintf("found pointer device: %s", dev)
		}
	}

	return false, "cannot read pointer devices (need to be in 'input' group or run as root)"
}

// findPointerDevices finds /dev/input devices that are mice.
func findPointerDevices() ([]string, error) {
	var devices []string

	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var currentHandler string
	isPointer := false

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "H: Handlers=") {
			parts := strings.Fields(line)
			for _, part := range parts {
				if strings.HasPrefix(part, "mouse") {
					isPointer = true
				}
				if strings.HasPrefix(part, "event") {
					currentHandler = "/dev/input/" + part
				}
			}
		}

		if line == "" {
			if isPointer && currentHandler != "" {
				devices = append(devices, currentHandler)
			}
			currentHandler = ""
			isPointer = false
		}
	}

	// Also check by name pattern
	matches, _ := filepath.Glob("/dev/input/by-id/*-event-mouse")
	devices = append(devices, matches...)

	return devices, nil
}

// Start begins reading pointer events.
func (l *LinuxSensor) Start(ctx context.Context) error {
	if l.Monitoring() {
		return nil
	}

	devices, err := findPointerDevices()
	if err != nil || len(devices) == 0 {
		return ErrNotAvailable
	}

	fd := -1
	for _, dev := range devices {
		fd, err = unix.Open(dev, unix.O_RDONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			break
		}
	}
	if fd < 0 {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	l.devices = devices
	l.rearm()
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	l.SetMonitoring(true)

	go l.readLoop(fd)

	return nil
}

// inputEvent matches the Linux input_event struct.
type inputEvent struct {
	Time  unix.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

const (
	evSyn = 0
	evKey = 1
	evRel = 2

	relX = 0
	relY = 1

	btnLeft = 0x110

	keyPress   = 1
	keyRelease = 0
)

// readLoop consumes pointer events. evdev reports relative motion, so
// position is a virtual cursor accumulated from deltas; gesture
// geometry only needs relative movement, not true screen coordinates.
func (l *LinuxSensor) readLoop(fd int) {
	defer close(l.done)
	defer unix.Close(fd)

	eventSize := binary.Size(inputEvent{})
	buf := make([]byte, eventSize*64)

	var x, y float64
	var dx, dy float64
	leftDown := false
	moved := false

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		// Bounded wait so cancellation is noticed promptly.
		n, err := unix.Poll(fds, 100)
		if err != nil || n == 0 {
			continue
		}

		read, err := unix.Read(fd, buf)
		if err != nil || read < eventSize {
			continue
		}

		now := time.Now()
		for off := 0; off+eventSize <= read; off += eventSize {
			evType := binary.LittleEndian.Uint16(buf[off+16 : off+18])
			evCode := binary.LittleEndian.Uint16(buf[off+18 : off+20])
			evValue := int32(binary.LittleEndian.Uint32(buf[off+20 : off+24]))

			switch evType {
			case evKey:
				if evCode != btnLeft {
					continue
				}
				switch evValue {
				case keyPress:
					leftDown = true
					l.ButtonDown(x, y, now)
				case keyRelease:
					leftDown = false
					l.ButtonUp(x, y, now)
				}

			case evRel:
				switch evCode {
				case relX:
					dx += float64(evValue)
					moved = true
				case relY:
					dy += float64(evValue)
					moved = true
				}

			case evSyn:
				if !moved {
					continue
				}
				x += dx
				y += dy
				dx, dy = 0, 0
				moved = false
				if leftDown {
					l.PointerMove(x, y, now)
				}
			}
		}
	}
}

// Stop stops reading and joins the read loop.
func (l *LinuxSensor) Stop() error {
	if !l.Monitoring() {
		return nil
	}

	l.SetMonitoring(false)
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}

	l.closeQueue()
	return nil
}
