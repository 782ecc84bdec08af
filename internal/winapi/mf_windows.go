//go:build windows

package winapi

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"
)

var (
	mfplat      = syscall.NewLazyDLL("mfplat.dll")
	mf          = syscall.NewLazyDLL("mf.dll")
	mfreadwrite = syscall.NewLazyDLL("mfreadwrite.dll")

	procMFStartup            = mfplat.NewProc("MFStartup")
	procMFShutdown           = mfplat.NewProc("MFShutdown")
	procMFCreateAttributes   = mfplat.NewProc("MFCreateAttributes")
	procMFCreateMediaType    = mfplat.NewProc("MFCreateMediaType")
	procMFCreateSample       = mfplat.NewProc("MFCreateSample")
	procMFCreateMemoryBuffer = mfplat.NewProc("MFCreateMemoryBuffer")
	procMFTEnumEx            = mfplat.NewProc("MFTEnumEx")

	procMFEnumDeviceSources = mf.NewProc("MFEnumDeviceSources")

	procMFCreateSourceReaderFromMediaSource = mfreadwrite.NewProc("MFCreateSourceReaderFromMediaSource")
)

const (
	mfVersion     = 0x00020070
	mfStartupFull = 0
)

// IMFAttributes methods. IMFMediaType, IMFSample and IMFActivate inherit
// them.
const (
	AttrGetUINT32          = 7
	AttrGetUINT64          = 8
	AttrGetGUID            = 10
	AttrGetAllocatedString = 13
	AttrSetUINT32          = 21
	AttrSetUINT64          = 22
	AttrSetGUID            = 24
)

// IMFActivate methods.
const (
	ActivateObject = 33
	ShutdownObject = 34
)

// IMFSample methods.
const (
	SampleGetTime                   = 35
	SampleSetTime                   = 36
	SampleSetDuration               = 38
	SampleConvertToContiguousBuffer = 41
	SampleAddBuffer                 = 42
	SampleGetTotalLength            = 45
)

// IMFMediaBuffer methods.
const (
	BufferLock             = 3
	BufferUnlock           = 4
	BufferGetCurrentLength = 5
	BufferSetCurrentLength = 6
)

// Media Foundation GUIDs.
var (
	MFMediaType_Video  = MustGUID("{73646976-0000-0010-8000-00AA00389B71}")
	MFVideoFormat_H264 = MustGUID("{34363248-0000-0010-8000-00AA00389B71}")
	MFVideoFormat_NV12 = MustGUID("{3231564E-0000-0010-8000-00AA00389B71}")

	MF_MT_MAJOR_TYPE         = MustGUID("{48eba18e-f8c9-4687-bf11-0a74c9f96a8f}")
	MF_MT_SUBTYPE            = MustGUID("{f7e34c9a-42e8-4714-b74b-cb29d72c35e5}")
	MF_MT_AVG_BITRATE        = MustGUID("{20332624-fb0d-4d9e-bd0d-cbf6786c102e}")
	MF_MT_INTERLACE_MODE     = MustGUID("{e2724bb8-e676-4806-b4b2-a8d6efb44ccd}")
	MF_MT_FRAME_SIZE         = MustGUID("{1652c33d-d6b2-4012-b834-72030849a37d}")
	MF_MT_FRAME_RATE         = MustGUID("{c459a2e8-3d2c-4e44-b132-fee5156c7bb0}")
	MF_MT_PIXEL_ASPECT_RATIO = MustGUID("{c6376a1e-8d0a-4027-be45-6d9a0ad39bb6}")
	MF_MT_DEFAULT_STRIDE     = MustGUID("{644b4e48-1e02-4516-b0eb-c01ca9d49ac6}")
	MF_MT_MPEG2_PROFILE      = MustGUID("{ad76a80b-2d5c-4e0b-b375-64e520137036}")
	MF_LOW_LATENCY           = MustGUID("{9c27891a-ed7a-40e1-88e8-b22727a024ee}")

	MF_DEVSOURCE_ATTRIBUTE_SOURCE_TYPE                      = MustGUID("{c60ac5fe-252a-478f-a0ef-bc8fa5f7cad3}")
	MF_DEVSOURCE_ATTRIBUTE_SOURCE_TYPE_VIDCAP_GUID          = MustGUID("{8ac3587a-4ae7-42d8-99e0-0a6013eef90f}")
	MF_DEVSOURCE_ATTRIBUTE_FRIENDLY_NAME                    = MustGUID("{60d0e559-52f8-4fa2-bbce-acdb34a8ec01}")
	MF_DEVSOURCE_ATTRIBUTE_SOURCE_TYPE_VIDCAP_SYMBOLIC_LINK = MustGUID("{58f0aad8-22bf-4f8a-bb3d-d2c4978c6e2f}")

	MF_SOURCE_READER_ENABLE_VIDEO_PROCESSING = MustGUID("{fb394f3d-ccf1-42ee-bbb3-f9b845d5681d}")
	MF_TRANSFORM_ASYNC_UNLOCK                = MustGUID("{e5666d6b-3422-4eb6-a421-da7db1f8e207}")

	IID_IMFMediaSource = MustGUID("{279a808d-aec7-40c8-9c6b-a6b492c78a66}")
)

var (
	startupMu   sync.Mutex
	startupRefs int
)

// Startup initializes Media Foundation for the process. Calls are counted
// and paired with the returned shutdown func.
func Startup() (func(), error) {
	startupMu.Lock()
	defer startupMu.Unlock()
	if startupRefs == 0 {
		hr, _, _ := procMFStartup.Call(mfVersion, mfStartupFull)
		if err := Check("MFStartup", hr); err != nil {
			return nil, err
		}
	}
	startupRefs++
	var once sync.Once
	return func() {
		once.Do(func() {
			startupMu.Lock()
			defer startupMu.Unlock()
			startupRefs--
			if startupRefs == 0 {
				procMFShutdown.Call()
			}
		})
	}, nil
}

func create(proc *syscall.LazyProc, name string, args ...uintptr) (uintptr, error) {
	var out uintptr
	args = append(args, uintptr(unsafe.Pointer(&out)))
	hr, _, _ := proc.Call(args...)
	if err := Check(name, hr); err != nil {
		return 0, err
	}
	return out, nil
}

// CreateAttributes returns an empty IMFAttributes store.
func CreateAttributes(initialSize uint32) (uintptr, error) {
	var out uintptr
	hr, _, _ := procMFCreateAttributes.Call(uintptr(unsafe.Pointer(&out)), uintptr(initialSize))
	if err := Check("MFCreateAttributes", hr); err != nil {
		return 0, err
	}
	return out, nil
}

func CreateMediaType() (uintptr, error) { return create(procMFCreateMediaType, "MFCreateMediaType") }
func CreateSample() (uintptr, error)    { return create(procMFCreateSample, "MFCreateSample") }

func CreateMemoryBuffer(size int) (uintptr, error) {
	return create(procMFCreateMemoryBuffer, "MFCreateMemoryBuffer", uintptr(uint32(size)))
}

// CreateSourceReader wraps a media source in a synchronous IMFSourceReader.
func CreateSourceReader(mediaSource, attrs uintptr) (uintptr, error) {
	return create(procMFCreateSourceReaderFromMediaSource, "MFCreateSourceReaderFromMediaSource", mediaSource, attrs)
}

// TypeInfo matches MFT_REGISTER_TYPE_INFO.
type TypeInfo struct {
	Major   GUID
	Subtype GUID
}

// EnumTransforms runs MFTEnumEx and returns the IMFActivate pointers. The
// caller releases each of them.
func EnumTransforms(category *GUID, flags uint32, input, output *TypeInfo) ([]uintptr, error) {
	var arr uintptr
	var count uint32
	hr, _, _ := procMFTEnumEx.Call(
		uintptr(unsafe.Pointer(category)),
		uintptr(flags),
		uintptr(unsafe.Pointer(input)),
		uintptr(unsafe.Pointer(output)),
		uintptr(unsafe.Pointer(&arr)),
		uintptr(unsafe.Pointer(&count)),
	)
	if err := Check("MFTEnumEx", hr); err != nil {
		return nil, err
	}
	return takeActivates(arr, count), nil
}

// takeActivates copies a CoTaskMem array of interface pointers and frees
// the array itself.
func takeActivates(arr uintptr, count uint32) []uintptr {
	if arr == 0 {
		return nil
	}
	defer TaskMemFree(arr)
	out := make([]uintptr, count)
	copy(out, unsafe.Slice((*uintptr)(unsafe.Pointer(arr)), count))
	return out
}

// ReleaseAll releases every pointer in objs.
func ReleaseAll(objs []uintptr) {
	for _, o := range objs {
		Release(o)
	}
}

func SetUINT32(attrs uintptr, key *GUID, v uint32) error {
	_, err := Call(attrs, AttrSetUINT32, uintptr(unsafe.Pointer(key)), uintptr(v))
	return err
}

func SetUINT64(attrs uintptr, key *GUID, v uint64) error {
	_, err := Call(attrs, AttrSetUINT64, uintptr(unsafe.Pointer(key)), uintptr(v))
	return err
}

func SetGUID(attrs uintptr, key, v *GUID) error {
	_, err := Call(attrs, AttrSetGUID, uintptr(unsafe.Pointer(key)), uintptr(unsafe.Pointer(v)))
	return err
}

func GetUINT32(attrs uintptr, key *GUID) (uint32, error) {
	var v uint32
	_, err := Call(attrs, AttrGetUINT32, uintptr(unsafe.Pointer(key)), uintptr(unsafe.Pointer(&v)))
	return v, err
}

func GetUINT64(attrs uintptr, key *GUID) (uint64, error) {
	var v uint64
	_, err := Call(attrs, AttrGetUINT64, uintptr(unsafe.Pointer(key)), uintptr(unsafe.Pointer(&v)))
	return v, err
}

func GetGUID(attrs uintptr, key *GUID) (GUID, error) {
	var v GUID
	_, err := Call(attrs, AttrGetGUID, uintptr(unsafe.Pointer(key)), uintptr(unsafe.Pointer(&v)))
	return v, err
}

// GetString reads a string attribute.
func GetString(attrs uintptr, key *GUID) (string, error) {
	var p uintptr
	var n uint32
	if _, err := Call(attrs, AttrGetAllocatedString, uintptr(unsafe.Pointer(key)), uintptr(unsafe.Pointer(&p)), uintptr(unsafe.Pointer(&n))); err != nil {
		return "", err
	}
	defer TaskMemFree(p)
	return UTF16PtrToString(p), nil
}

// LockBuffer maps an IMFMediaBuffer. The slice holds the current length
// and has the buffer's full capacity; it is valid until unlock is called.
func LockBuffer(buf uintptr) (data []byte, unlock func(), err error) {
	var p uintptr
	var maxLen, curLen uint32
	if _, err := Call(buf, BufferLock, uintptr(unsafe.Pointer(&p)), uintptr(unsafe.Pointer(&maxLen)), uintptr(unsafe.Pointer(&curLen))); err != nil {
		return nil, nil, fmt.Errorf("IMFMediaBuffer::Lock: %w", err)
	}
	unlock = func() { _, _ = Call(buf, BufferUnlock) }
	if p == 0 || curLen > maxLen {
		unlock()
		return nil, nil, fmt.Errorf("IMFMediaBuffer::Lock: bad mapping")
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), maxLen)[:curLen], unlock, nil
}

// NewBufferSample copies data into a fresh IMFSample backed by one memory
// buffer.
func NewBufferSample(data []byte) (uintptr, error) {
	buf, err := CreateMemoryBuffer(len(data))
	if err != nil {
		return 0, err
	}
	defer Release(buf)

	dst, unlock, err := LockBuffer(buf)
	if err != nil {
		return 0, err
	}
	if cap(dst) < len(data) {
		unlock()
		return 0, fmt.Errorf("media buffer holds %d bytes, need %d", cap(dst), len(data))
	}
	copy(dst[:len(data)], data)
	unlock()
	if _, err := Call(buf, BufferSetCurrentLength, uintptr(uint32(len(data)))); err != nil {
		return 0, fmt.Errorf("IMFMediaBuffer::SetCurrentLength: %w", err)
	}

	sample, err := CreateSample()
	if err != nil {
		return 0, err
	}
	if _, err := Call(sample, SampleAddBuffer, buf); err != nil {
		Release(sample)
		return 0, fmt.Errorf("IMFSample::AddBuffer: %w", err)
	}
	return sample, nil
}
