//go:build windows

package winapi

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	ole "github.com/go-ole/go-ole"
)

var (
	CLSID_MMDeviceEnumerator = MustGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	IID_IMMDeviceEnumerator  = MustGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	IID_IAudioClient         = MustGUID("{1CB9AD4C-DBFA-4c32-B178-C2F568A703B2}")
	IID_IAudioCaptureClient  = MustGUID("{C8ADBD64-E71E-48a0-A4DE-185C395CD317}")

	iidIUnknown                                 = MustGUID("{00000000-0000-0000-C000-000000000046}")
	iidIAgileObject                             = MustGUID("{94ea2b94-e9cc-49e0-c0ff-ee64ca8f5b90}")
	iidIActivateAudioInterfaceCompletionHandler = MustGUID("{41D949AB-9862-444A-80F6-C261334DA5EB}")
	pkeyDeviceFriendlyName                      = propertyKey{fmtid: *MustGUID("{a45c254e-df1c-4efd-8020-67d146a850e0}"), pid: 14}
)

// EDataFlow and ERole.
const (
	ERender  = 0
	ECapture = 1
	EConsole = 0
)

const deviceStateActive = 0x1

// IAudioClient::Initialize stream flags.
const (
	AUDCLNT_SHAREMODE_SHARED                = 0
	AUDCLNT_STREAMFLAGS_LOOPBACK            = 0x00020000
	AUDCLNT_STREAMFLAGS_AUTOCONVERTPCM      = 0x80000000
	AUDCLNT_STREAMFLAGS_SRC_DEFAULT_QUALITY = 0x08000000
	AUDCLNT_BUFFERFLAGS_SILENT              = 0x2
)

const AUDCLNT_E_DEVICE_INVALIDATED HRESULT = 0x88890004

// Vtable slots.
const (
	enumEnumAudioEndpoints      = 3
	enumGetDefaultAudioEndpoint = 4
	enumGetDevice               = 5

	collectionGetCount = 3
	collectionItem     = 4

	deviceActivate          = 3
	deviceOpenPropertyStore = 4
	deviceGetID             = 5

	propStoreGetValue = 5

	AudioClientInitialize   = 3
	AudioClientGetMixFormat = 8
	AudioClientStart        = 10
	AudioClientStop         = 11
	AudioClientGetService   = 14

	CaptureClientGetBuffer         = 3
	CaptureClientReleaseBuffer     = 4
	CaptureClientGetNextPacketSize = 5

	asyncOpGetActivateResult = 3
)

const clsctxAll = 0x1 | 0x2 | 0x4 | 0x10

var (
	mmdevapi                        = syscall.NewLazyDLL("mmdevapi.dll")
	procActivateAudioInterfaceAsync = mmdevapi.NewProc("ActivateAudioInterfaceAsync")
	procPropVariantClear            = syscall.NewLazyDLL("ole32.dll").NewProc("PropVariantClear")
)

type propertyKey struct {
	fmtid GUID
	pid   uint32
}

// propVariant is a PROPVARIANT large enough for the string and blob
// payloads used here.
type propVariant struct {
	vt       uint16
	reserved [3]uint16
	val      uintptr
	val2     uintptr
}

const (
	vtLPWSTR = 31
	vtBlob   = 65
)

// AudioEndpoint is one active MMDevice.
type AudioEndpoint struct {
	ID   string
	Name string
}

// NewDeviceEnumerator creates an IMMDeviceEnumerator. The caller releases it.
func NewDeviceEnumerator() (uintptr, error) {
	unk, err := ole.CreateInstance(CLSID_MMDeviceEnumerator, IID_IMMDeviceEnumerator)
	if err != nil {
		return 0, fmt.Errorf("CoCreateInstance(MMDeviceEnumerator): %w", err)
	}
	return uintptr(unsafe.Pointer(unk)), nil
}

// DefaultEndpoint returns the default device for a data flow.
func DefaultEndpoint(enum uintptr, flow uint32) (uintptr, error) {
	var dev uintptr
	if _, err := Call(enum, enumGetDefaultAudioEndpoint, uintptr(flow), EConsole, uintptr(unsafe.Pointer(&dev))); err != nil {
		return 0, fmt.Errorf("GetDefaultAudioEndpoint: %w", err)
	}
	return dev, nil
}

// EndpointByID opens a device by its endpoint id string.
func EndpointByID(enum uintptr, id string) (uintptr, error) {
	p, err := syscall.UTF16PtrFromString(id)
	if err != nil {
		return 0, err
	}
	var dev uintptr
	if _, err := Call(enum, enumGetDevice, uintptr(unsafe.Pointer(p)), uintptr(unsafe.Pointer(&dev))); err != nil {
		return 0, fmt.Errorf("GetDevice: %w", err)
	}
	return dev, nil
}

// Endpoints lists the active devices for a data flow in system order.
func Endpoints(enum uintptr, flow uint32) ([]AudioEndpoint, error) {
	var coll uintptr
	if _, err := Call(enum, enumEnumAudioEndpoints, uintptr(flow), deviceStateActive, uintptr(unsafe.Pointer(&coll))); err != nil {
		return nil, fmt.Errorf("EnumAudioEndpoints: %w", err)
	}
	defer Release(coll)

	var count uint32
	if _, err := Call(coll, collectionGetCount, uintptr(unsafe.Pointer(&count))); err != nil {
		return nil, fmt.Errorf("IMMDeviceCollection::GetCount: %w", err)
	}
	out := make([]AudioEndpoint, 0, count)
	for i := uint32(0); i < count; i++ {
		var dev uintptr
		if _, err := Call(coll, collectionItem, uintptr(i), uintptr(unsafe.Pointer(&dev))); err != nil {
			continue
		}
		ep, err := describeEndpoint(dev)
		Release(dev)
		if err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

func describeEndpoint(dev uintptr) (AudioEndpoint, error) {
	var idp uintptr
	if _, err := Call(dev, deviceGetID, uintptr(unsafe.Pointer(&idp))); err != nil {
		return AudioEndpoint{}, fmt.Errorf("IMMDevice::GetId: %w", err)
	}
	ep := AudioEndpoint{ID: UTF16PtrToString(idp)}
	TaskMemFree(idp)

	var store uintptr
	if _, err := Call(dev, deviceOpenPropertyStore, 0, uintptr(unsafe.Pointer(&store))); err != nil {
		ep.Name = ep.ID
		return ep, nil
	}
	defer Release(store)
	var pv propVariant
	if _, err := Call(store, propStoreGetValue, uintptr(unsafe.Pointer(&pkeyDeviceFriendlyName)), uintptr(unsafe.Pointer(&pv))); err == nil && pv.vt == vtLPWSTR {
		ep.Name = UTF16PtrToString(pv.val)
	}
	procPropVariantClear.Call(uintptr(unsafe.Pointer(&pv)))
	if ep.Name == "" {
		ep.Name = ep.ID
	}
	return ep, nil
}

// ActivateAudioClient activates IAudioClient on a device.
func ActivateAudioClient(dev uintptr) (uintptr, error) {
	var client uintptr
	if _, err := Call(dev, deviceActivate, uintptr(unsafe.Pointer(IID_IAudioClient)), clsctxAll, 0, uintptr(unsafe.Pointer(&client))); err != nil {
		return 0, fmt.Errorf("IMMDevice::Activate(IAudioClient): %w", err)
	}
	return client, nil
}

// MixFormat returns the shared-mode format of an audio client together
// with the raw pointer, which Initialize accepts and the caller frees with
// TaskMemFree.
func MixFormat(client uintptr) (WaveFormat, uintptr, error) {
	var p uintptr
	if _, err := Call(client, AudioClientGetMixFormat, uintptr(unsafe.Pointer(&p))); err != nil {
		return WaveFormat{}, 0, fmt.Errorf("IAudioClient::GetMixFormat: %w", err)
	}
	size := waveFormatExSize
	if cb := *(*uint16)(unsafe.Add(unsafe.Pointer(p), 16)); cb > 0 {
		size += int(cb)
	}
	w, err := ParseWaveFormat(unsafe.Slice((*byte)(unsafe.Pointer(p)), size))
	if err != nil {
		TaskMemFree(p)
		return WaveFormat{}, 0, err
	}
	return w, p, nil
}

// CaptureClient fetches IAudioCaptureClient from an initialized client.
func CaptureClient(client uintptr) (uintptr, error) {
	var cc uintptr
	if _, err := Call(client, AudioClientGetService, uintptr(unsafe.Pointer(IID_IAudioCaptureClient)), uintptr(unsafe.Pointer(&cc))); err != nil {
		return 0, fmt.Errorf("IAudioClient::GetService(IAudioCaptureClient): %w", err)
	}
	return cc, nil
}

// Process loopback activation.

const (
	audioClientActivationTypeProcessLoopback = 1
	processLoopbackModeInclude               = 0
	processLoopbackModeExclude               = 1
)

type activationParams struct {
	activationType uint32
	targetPID      uint32
	loopbackMode   uint32
}

var ErrActivationTimeout = errors.New("winapi: audio interface activation timed out")

// completionHandler implements IActivateAudioInterfaceCompletionHandler
// and IAgileObject. Live handlers stay in liveHandlers so the collector
// keeps them while the system holds a pointer.
type completionHandler struct {
	vtbl *completionVtbl
	refs atomic.Int32
	once sync.Once
	done chan struct{}
}

type completionVtbl struct {
	queryInterface    uintptr
	addRef            uintptr
	release           uintptr
	activateCompleted uintptr
}

var (
	handlerVtblOnce sync.Once
	handlerVtbl     *completionVtbl
	liveHandlers    sync.Map
)

func handlerFrom(this uintptr) *completionHandler {
	v, ok := liveHandlers.Load(this)
	if !ok {
		return nil
	}
	return v.(*completionHandler)
}

func newCompletionHandler() *completionHandler {
	handlerVtblOnce.Do(func() {
		handlerVtbl = &completionVtbl{
			queryInterface: syscall.NewCallback(func(this, riid, ppv uintptr) uintptr {
				iid := (*GUID)(unsafe.Pointer(riid))
				out := (*uintptr)(unsafe.Pointer(ppv))
				if ole.IsEqualGUID(iid, iidIUnknown) || ole.IsEqualGUID(iid, iidIAgileObject) ||
					ole.IsEqualGUID(iid, iidIActivateAudioInterfaceCompletionHandler) {
					*out = this
					if h := handlerFrom(this); h != nil {
						h.refs.Add(1)
					}
					return uintptr(S_OK)
				}
				*out = 0
				return uintptr(E_NOINTERFACE)
			}),
			addRef: syscall.NewCallback(func(this uintptr) uintptr {
				if h := handlerFrom(this); h != nil {
					return uintptr(h.refs.Add(1))
				}
				return 1
			}),
			release: syscall.NewCallback(func(this uintptr) uintptr {
				if h := handlerFrom(this); h != nil {
					return uintptr(h.refs.Add(-1))
				}
				return 0
			}),
			activateCompleted: syscall.NewCallback(func(this, op uintptr) uintptr {
				if h := handlerFrom(this); h != nil {
					h.once.Do(func() { close(h.done) })
				}
				return uintptr(S_OK)
			}),
		}
	})
	h := &completionHandler{vtbl: handlerVtbl, done: make(chan struct{})}
	h.refs.Store(1)
	liveHandlers.Store(uintptr(unsafe.Pointer(h)), h)
	return h
}

// ActivateProcessLoopback activates an IAudioClient that captures the
// audio of the process tree rooted at pid, or everything except that tree
// when exclude is set. Requires Windows 10 build 20348 or later.
func ActivateProcessLoopback(pid uint32, exclude bool, timeout time.Duration) (uintptr, error) {
	if err := procActivateAudioInterfaceAsync.Find(); err != nil {
		return 0, fmt.Errorf("ActivateAudioInterfaceAsync: %w", err)
	}
	mode := uint32(processLoopbackModeInclude)
	if exclude {
		mode = processLoopbackModeExclude
	}
	params := &activationParams{
		activationType: audioClientActivationTypeProcessLoopback,
		targetPID:      pid,
		loopbackMode:   mode,
	}
	pv := &propVariant{vt: vtBlob, val: unsafe.Sizeof(*params), val2: uintptr(unsafe.Pointer(params))}
	path, _ := syscall.UTF16PtrFromString(`VAD\Process_Loopback`)

	h := newCompletionHandler()
	self := uintptr(unsafe.Pointer(h))
	var op uintptr
	hr, _, _ := procActivateAudioInterfaceAsync.Call(
		uintptr(unsafe.Pointer(path)),
		uintptr(unsafe.Pointer(IID_IAudioClient)),
		uintptr(unsafe.Pointer(pv)),
		self,
		uintptr(unsafe.Pointer(&op)),
	)
	if err := Check("ActivateAudioInterfaceAsync", hr); err != nil {
		liveHandlers.Delete(self)
		return 0, err
	}
	defer Release(op)

	select {
	case <-h.done:
	case <-time.After(timeout):
		// The handler stays registered; the system may still call it.
		return 0, ErrActivationTimeout
	}
	liveHandlers.Delete(self)
	runtime.KeepAlive(params)
	runtime.KeepAlive(pv)

	var result uintptr
	var client uintptr
	if _, err := Call(op, asyncOpGetActivateResult, uintptr(unsafe.Pointer(&result)), uintptr(unsafe.Pointer(&client))); err != nil {
		return 0, fmt.Errorf("GetActivateResult: %w", err)
	}
	if err := Check("process loopback activation", result); err != nil {
		Release(client)
		return 0, err
	}
	return client, nil
}
