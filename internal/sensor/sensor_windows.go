//go:build windows

package sensor

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")
	shell32  = windows.NewLazySystemDLL("shell32.dll")
	ole32    = windows.NewLazySystemDLL("ole32.dll")

	procSetWindowsHookExW   = user32.NewProc("SetWindowsHookExW")
	procUnhookWindowsHookEx = user32.NewProc("UnhookWindowsHookEx")
	procCallNextHookEx      = user32.NewProc("CallNextHookEx")
	procGetMessageW         = user32.NewProc("GetMessageW")
	procTranslateMessage    = user32.NewProc("TranslateMessage")
	procDispatchMessageW    = user32.NewProc("DispatchMessageW")
	procPostThreadMessageW  = user32.NewProc("PostThreadMessageW")

	procGetCurrentThreadId = kernel32.NewProc("GetCurrentThreadId")
	procGetModuleHandleW   = kernel32.NewProc("GetModuleHandleW")
	procGlobalLock         = kernel32.NewProc("GlobalLock")
	procGlobalUnlock       = kernel32.NewProc("GlobalUnlock")

	procDragQueryFileW = shell32.NewProc("DragQueryFileW")

	procOleInitialize    = ole32.NewProc("OleInitialize")
	procOleUninitialize  = ole32.NewProc("OleUninitialize")
	procOleGetClipboard  = ole32.NewProc("OleGetClipboard")
	procReleaseStgMedium = ole32.NewProc("ReleaseStgMedium")
)

const (
	whMouseLL = 14

	wmMouseMove   = 0x0200
	wmLButtonDown = 0x0201
	wmLButtonUp   = 0x0202
	wmQuit        = 0x0012

	cfHDrop         = 15
	dvAspectContent = 1
	tymedHGlobal    = 1
)

type point struct {
	X int32
	Y int32
}

type msLLHookStruct struct {
	Pt          point
	MouseData   uint32
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

type message struct {
	Hwnd    windows.Handle
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      point
}

// formatEtc mirrors FORMATETC (64-bit layout).
type formatEtc struct {
	CfFormat uint16
	_        [6]byte
	Ptd      uintptr
	DwAspect uint32
	Lindex   int32
	Tymed    uint32
}

// stgMedium mirrors STGMEDIUM (64-bit layout).
type stgMedium struct {
	Tymed          uint32
	_              [4]byte
	HGlobal        uintptr
	PUnkForRelease uintptr
}

// iDataObject is the raw COM interface. Only Release and GetData are
// reached; the rest of the vtable is listed to keep the slots aligned.
type iDataObjectVtbl struct {
	QueryInterface        uintptr
	AddRef                uintptr
	Release               uintptr
	GetData               uintptr
	GetDataHere           uintptr
	QueryGetData          uintptr
	GetCanonicalFormatEtc uintptr
	SetData               uintptr
	EnumFormatEtc         uintptr
	DAdvise               uintptr
	DUnadvise             uintptr
	EnumDAdvise           uintptr
}

type iDataObject struct {
	vtbl *iDataObjectVtbl
}

func (o *iDataObject) Release() {
	windows.SyscallN(o.vtbl.Release, uintptr(unsafe.Pointer(o)))
}

func (o *iDataObject) GetData(fmt *formatEtc, stg *stgMedium) uintptr {
	hr, _, _ := windows.SyscallN(o.vtbl.GetData,
		uintptr(unsafe.Pointer(o)),
		uintptr(unsafe.Pointer(fmt)),
		uintptr(unsafe.Pointer(stg)))
	return hr
}

// hookOwner is the sensor the low-level hook callback reports to.
// WH_MOUSE_LL has no per-callback user-data slot, so the owning
// sensor registers here for the lifetime of its hook thread.
var hookOwner atomic.Pointer[WindowsSensor]

// mouseHookProc is registered once; NewCallback trampolines are never
// released by the runtime.
var mouseHookProc = windows.NewCallback(lowLevelMouseProc)

func lowLevelMouseProc(nCode, wParam, lParam uintptr) uintptr {
	if int32(nCode) >= 0 {
		if w := hookOwner.Load(); w != nil {
			data := (*msLLHookStruct)(unsafe.Pointer(lParam))
			x, y := float64(data.Pt.X), float64(data.Pt.Y)
			now := time.Now()

			switch wParam {
			case wmLButtonDown:
				w.leftDown.Store(true)
				w.ButtonDown(x, y, now)
			case wmMouseMove:
				if w.leftDown.Load() {
					w.PointerMove(x, y, now)
				}
			case wmLButtonUp:
				w.leftDown.Store(false)
				w.ButtonUp(x, y, now)
			}
		}
	}

	ret, _, _ := procCallNextHookEx.Call(0, nCode, wParam, lParam)
	return ret
}

// WindowsSensor senses drags through a WH_MOUSE_LL hook. The hook
// runs on a dedicated locked OS thread owning a message pump; the
// drag payload is read from the OLE clipboard, which Explorer and
// most drag sources populate for the duration of a drag.
type WindowsSensor struct {
	BaseSensor
	cancel   context.CancelFunc
	done     chan struct{}
	threadID atomic.Uint32
	leftDown atomic.Bool
}

func newPlatformSensor() Sensor {
	w := &WindowsSensor{}
	w.initBase(w.inspectPayload)
	return w
}

// Available reports hook availability. Low-level mouse hooks need no
// special privilege on Windows.
func (w *WindowsSensor) Available() (bool, string) {
	return true, "WH_MOUSE_LL hook available"
}

// Start installs the mouse hook on a dedicated thread. It returns
// after the hook is installed or installation failed; no thread is
// left behind on failure.
func (w *WindowsSensor) Start(ctx context.Context) error {
	if w.Monitoring() {
		return nil
	}

	if !hookOwner.CompareAndSwap(nil, w) {
		return fmt.Errorf("%w: hook already owned by another sensor", ErrHookInstall)
	}

	w.rearm()
	w.done = make(chan struct{})
	installed := make(chan error, 1)

	go w.hookLoop(installed)

	if err := <-installed; err != nil {
		hookOwner.CompareAndSwap(w, nil)
		<-w.done
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.SetMonitoring(true)

	go func(done <-chan struct{}) {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-done:
		}
	}(w.done)

	return nil
}

// hookLoop owns the hook thread: install, pump, uninstall.
func (w *WindowsSensor) hookLoop(installed chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	tid, _, _ := procGetCurrentThreadId.Call()
	w.threadID.Store(uint32(tid))

	// OLE wants an apartment on the thread that reads the clipboard.
	procOleInitialize.Call(0)
	defer procOleUninitialize.Call()

	hModule, _, _ := procGetModuleHandleW.Call(0)
	hook, _, callErr := procSetWindowsHookExW.Call(whMouseLL, mouseHookProc, hModule, 0)
	if hook == 0 {
		installed <- fmt.Errorf("%w: %v", ErrHookInstall, callErr)
		return
	}
	defer procUnhookWindowsHookEx.Call(hook)

	installed <- nil

	var msg message
	for {
		ret, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&msg)), 0, 0, 0)
		if int32(ret) <= 0 {
			return
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&msg)))
		procDispatchMessageW.Call(uintptr(unsafe.Pointer(&msg)))
	}
}

// Stop posts WM_QUIT to the hook thread and joins it.
func (w *WindowsSensor) Stop() error {
	if !w.Monitoring() {
		return nil
	}

	w.SetMonitoring(false)
	if w.cancel != nil {
		w.cancel()
	}

	if tid := w.threadID.Load(); tid != 0 {
		procPostThreadMessageW.Call(uintptr(tid), wmQuit, 0, 0)
	}
	if w.done != nil {
		<-w.done
	}

	hookOwner.CompareAndSwap(w, nil)
	w.closeQueue()
	return nil
}

// inspectPayload reads the file list off the OLE clipboard. Runs on
// the hook thread during drag classification; any failure degrades to
// an empty list.
func (w *WindowsSensor) inspectPayload() []FileDescriptor {
	var obj *iDataObject
	hr, _, _ := procOleGetClipboard.Call(uintptr(unsafe.Pointer(&obj)))
	if hr != 0 || obj == nil {
		return nil
	}
	defer obj.Release()

	fe := formatEtc{
		CfFormat: cfHDrop,
		DwAspect: dvAspectContent,
		Lindex:   -1,
		Tymed:    tymedHGlobal,
	}
	var stg stgMedium
	if obj.GetData(&fe, &stg) != 0 {
		return nil
	}
	defer procReleaseStgMedium.Call(uintptr(unsafe.Pointer(&stg)))

	hDrop, _, _ := procGlobalLock.Call(stg.HGlobal)
	if hDrop == 0 {
		return nil
	}
	defer procGlobalUnlock.Call(stg.HGlobal)

	count, _, _ := procDragQueryFileW.Call(hDrop, 0xFFFFFFFF, 0, 0)
	if count == 0 {
		return nil
	}

	files := make([]FileDescriptor, 0, count)
	for i := uintptr(0); i < count; i++ {
		n, _, _ := procDragQueryFileW.Call(hDrop, i, 0, 0)
		if n == 0 {
			continue
		}
		buf := make([]uint16, n+1)
		procDragQueryFileW.Call(hDrop, i, uintptr(unsafe.Pointer(&buf[0])), n+1)
		files = append(files, DescribeFile(windows.UTF16ToString(buf)))
	}
	return files
}
