package winapi

import "fmt"

// HRESULT is a COM status code.
type HRESULT uint32

// Common HRESULTs.
const (
	S_OK    HRESULT = 0
	S_FALSE HRESULT = 1

	E_NOTIMPL                               HRESULT = 0x80004001
	E_UNEXPECTED                            HRESULT = 0x8000FFFF
	E_NOINTERFACE                           HRESULT = 0x80004002
	E_FAIL                                  HRESULT = 0x80004005
	E_ACCESSDENIED                          HRESULT = 0x80070005
	E_INVALIDARG                            HRESULT = 0x80070057
	RPC_E_CHANGED_MODE                      HRESULT = 0x80010106
	MF_E_ATTRIBUTENOTFOUND                  HRESULT = 0xC00D36E6
	MF_E_BUFFERTOOSMALL                     HRESULT = 0xC00D36B1
	MF_E_NOTACCEPTING                       HRESULT = 0xC00D36B5
	MF_E_NO_MORE_TYPES                      HRESULT = 0xC00D36B9
	MF_E_TRANSFORM_NEED_MORE_INPUT          HRESULT = 0xC00D6D72
	MF_E_TRANSFORM_STREAM_CHANGE            HRESULT = 0xC00D6D61
	MF_E_HW_MFT_FAILED_START_STREAMING      HRESULT = 0xC00D3704
	MF_E_VIDEO_RECORDING_DEVICE_INVALIDATED HRESULT = 0xC00DABE0
	MF_E_VIDEO_RECORDING_DEVICE_PREEMPTED   HRESULT = 0xC00DABE1
	MF_E_SHUTDOWN                           HRESULT = 0xC00D3E85
)

func (hr HRESULT) Failed() bool { return int32(hr) < 0 }

func (hr HRESULT) Error() string {
	return fmt.Sprintf("HRESULT 0x%08X", uint32(hr))
}

// CallError is a failed vtable call.
type CallError struct {
	Method string
	HR     HRESULT
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.HR)
}

func (e *CallError) Unwrap() error { return e.HR }

// Check turns a raw return value into an error when it is a failure code.
func Check(method string, ret uintptr) error {
	hr := HRESULT(uint32(ret))
	if hr.Failed() {
		return &CallError{Method: method, HR: hr}
	}
	return nil
}

// Pack64 packs two 32-bit values the way MF_MT_FRAME_SIZE and
// MF_MT_FRAME_RATE store them.
func Pack64(high, low uint32) uint64 {
	return uint64(high)<<32 | uint64(low)
}

// Unpack64 is the inverse of Pack64.
func Unpack64(v uint64) (high, low uint32) {
	return uint32(v >> 32), uint32(v)
}
