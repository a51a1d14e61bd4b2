//go:build darwin && cgo

package sensor

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework ApplicationServices -framework AppKit -framework Foundation

#include <ApplicationServices/ApplicationServices.h>
#include <AppKit/AppKit.h>
#include <stdint.h>

extern CGEventRef goDragEvent(CGEventTapProxy proxy, CGEventType type, CGEventRef event, void *userInfo);

static CFMachPortRef createDragTap(uintptr_t handle) {
	CGEventMask mask = CGEventMaskBit(kCGEventLeftMouseDown) |
	                   CGEventMaskBit(kCGEventLeftMouseUp) |
	                   CGEventMaskBit(kCGEventLeftMouseDragged);

	return CGEventTapCreate(
		kCGSessionEventTap,
		kCGHeadInsertEventTap,
		kCGEventTapOptionListenOnly,
		mask,
		goDragEvent,
		(void *)handle
	);
}

static CFRunLoopSourceRef tapSource(CFMachPortRef tap) {
	return CFMachPortCreateRunLoopSource(kCFAllocatorDefault, tap, 0);
}

static CFRunLoopRef currentRunLoop(void) {
	return CFRunLoopGetCurrent();
}

static void attachAndEnable(CFRunLoopRef loop, CFRunLoopSourceRef source, CFMachPortRef tap) {
	CFRunLoopAddSource(loop, source, kCFRunLoopCommonModes);
	CGEventTapEnable(tap, true);
}

static void runLoop(void) {
	CFRunLoopRun();
}

static void stopLoop(CFRunLoopRef loop) {
	CFRunLoopStop(loop);
}

static void reenableTap(CFMachPortRef tap) {
	CGEventTapEnable(tap, true);
}

static void disableTap(CFMachPortRef tap) {
	CGEventTapEnable(tap, false);
}

static double eventX(CGEventRef event) {
	return CGEventGetLocation(event).x;
}

static double eventY(CGEventRef event) {
	return CGEventGetLocation(event).y;
}

static int checkAccessibility(void) {
	NSDictionary *options = @{(__bridge id)kAXTrustedCheckOptionPrompt: @NO};
	return AXIsProcessTrustedWithOptions((__bridge CFDictionaryRef)options) ? 1 : 0;
}

static int promptAccessibility(void) {
	NSDictionary *options = @{(__bridge id)kAXTrustedCheckOptionPrompt: @YES};
	return AXIsProcessTrustedWithOptions((__bridge CFDictionaryRef)options) ? 1 : 0;
}

// Reads file URLs off the drag pasteboard, newline-joined. Returns
// NULL when the current drag carries no file URLs.
static CFStringRef copyDragPasteboardPaths(void) {
	@autoreleasepool {
		NSPasteboard *pb = [NSPasteboard pasteboardWithName:NSPasteboardNameDrag];
		NSArray *classes = @[[NSURL class]];
		NSDictionary *options = @{NSPasteboardURLReadingFileURLsOnlyKey: @YES};

		NSArray<NSURL *> *urls = [pb readObjectsForClasses:classes options:options];
		if (urls == nil || urls.count == 0) {
			return NULL;
		}

		NSMutableArray<NSString *> *paths = [NSMutableArray arrayWithCapacity:urls.count];
		for (NSURL *url in urls) {
			if (url.path != nil) {
				[paths addObject:url.path];
			}
		}
		if (paths.count == 0) {
			return NULL;
		}

		NSString *joined = [paths componentsJoinedByString:@"\n"];
		return (__bridge_retained CFStringRef)joined;
	}
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/cgo"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"
)

// DarwinSensor senses drags through a listen-only CGEventTap. The tap
// runs on a dedicated locked OS thread owning a CFRunLoop; the drag
// payload is read from the drag pasteboard.
type DarwinSensor struct {
	BaseSensor
	cancel context.CancelFunc
	done   chan struct{}

	// Written by the tap thread before install completes, read by
	// Stop and by the tap callback.
	loop C.CFRunLoopRef
	tap  C.CFMachPortRef

	// Times the system disabled the tap (callback too slow); the
	// callback re-enables it and counts here for diagnostics.
	tapDisables atomic.Int64
}

func newPlatformSensor() Sensor {
	d := &DarwinSensor{}
	d.initBase(d.inspectPayload)
	return d
}

// Available checks whether the event tap can be installed.
func (d *DarwinSensor) Available() (bool, string) {
	if C.checkAccessibility() == 1 {
		return true, "CGEventTap available"
	}
	return false, "Accessibility permission required. Go to System Settings > Privacy & Security > Accessibility and add this application."
}

// CheckAccessibility returns true if accessibility permissions are
// granted.
func CheckAccessibility() bool {
	return C.checkAccessibility() == 1
}

// PromptAccessibility checks permissions and prompts the user if not
// granted.
func PromptAccessibility() bool {
	return C.promptAccessibility() == 1
}

// Start installs the event tap on a dedicated thread. It returns
// after the tap is live or installation failed; no thread is left
// behind on failure.
func (d *DarwinSensor) Start(ctx context.Context) error {
	if d.Monitoring() {
		return nil
	}

	if C.checkAccessibility() != 1 {
		return fmt.Errorf("%w: accessibility permission required", ErrPermissionDenied)
	}

	d.rearm()
	d.done = make(chan struct{})
	installed := make(chan error, 1)
	handle := cgo.NewHandle(d)

	go d.tapLoop(handle, installed)

	if err := <-installed; err != nil {
		<-d.done
		return err
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.SetMonitoring(true)

	go func(done <-chan struct{}) {
		select {
		case <-ctx.Done():
			d.Stop()
		case <-done:
		}
	}(d.done)

	return nil
}

// tapLoop owns the tap thread: create, attach, run, unwind.
func (d *DarwinSensor) tapLoop(handle cgo.Handle, installed chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.done)
	defer handle.Delete()

	tap := C.createDragTap(C.uintptr_t(handle))
	if tap == 0 {
		installed <- fmt.Errorf("%w: CGEventTapCreate failed", ErrHookInstall)
		return
	}

	source := C.tapSource(tap)
	if source == 0 {
		C.CFRelease(C.CFTypeRef(tap))
		installed <- errors.New("failed to create run loop source")
		return
	}

	d.loop = C.currentRunLoop()
	d.tap = tap
	C.attachAndEnable(d.loop, source, tap)

	installed <- nil

	C.runLoop()

	C.disableTap(tap)
	C.CFRelease(C.CFTypeRef(source))
	C.CFRelease(C.CFTypeRef(tap))
	d.tap = 0
	d.loop = 0
}

// Stop stops the run loop and joins the tap thread.
func (d *DarwinSensor) Stop() error {
	if !d.Monitoring() {
		return nil
	}

	d.SetMonitoring(false)
	if d.cancel != nil {
		d.cancel()
	}

	if d.loop != 0 {
		C.stopLoop(d.loop)
	}
	if d.done != nil {
		<-d.done
	}

	d.closeQueue()
	return nil
}

// TapDisableCount returns how many times the system disabled the tap.
func (d *DarwinSensor) TapDisableCount() int64 {
	return d.tapDisables.Load()
}

// inspectPayload reads file URLs off the drag pasteboard. Runs on the
// tap thread during drag classification; non-file drags yield nil.
func (d *DarwinSensor) inspectPayload() []FileDescriptor {
	joined := cfStringToGo(C.copyDragPasteboardPaths())
	if joined == "" {
		return nil
	}

	paths := strings.Split(joined, "\n")
	files := make([]FileDescriptor, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		files = append(files, DescribeFile(p))
	}
	return files
}

func cfStringToGo(str C.CFStringRef) string {
	if str == 0 {
		return ""
	}
	defer C.CFRelease(C.CFTypeRef(str))

	length := C.CFStringGetLength(str)
	if length == 0 {
		return ""
	}
	bufSize := C.CFIndex(1 + 4*length)
	buf := make([]byte, int(bufSize))
	if C.CFStringGetCString(str, (*C.char)(unsafe.Pointer(&buf[0])), bufSize, C.kCFStringEncodingUTF8) == C.Boolean(0) {
		return ""
	}
	return C.GoString((*C.char)(unsafe.Pointer(&buf[0])))
}

//export goDragEvent
func goDragEvent(_ C.CGEventTapProxy, eventType C.CGEventType, event C.CGEventRef, userInfo unsafe.Pointer) C.CGEventRef {
	handle := cgo.Handle(uintptr(userInfo))
	d, ok := handle.Value().(*DarwinSensor)
	if !ok {
		return event
	}

	// The system disables taps whose callbacks run long; re-enable
	// and keep going.
	if eventType == C.kCGEventTapDisabledByTimeout || eventType == C.kCGEventTapDisabledByUserInput {
		d.tapDisables.Add(1)
		if d.tap != 0 {
			C.reenableTap(d.tap)
		}
		return event
	}

	x := float64(C.eventX(event))
	y := float64(C.eventY(event))
	now := time.Now()

	switch eventType {
	case C.kCGEventLeftMouseDown:
		d.ButtonDown(x, y, now)
	case C.kCGEventLeftMouseDragged:
		d.PointerMove(x, y, now)
	case C.kCGEventLeftMouseUp:
		d.ButtonUp(x, y, now)
	}

	return event
}

var _ Sensor = (*DarwinSensor)(nil)
