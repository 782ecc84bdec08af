//go:build windows

package winapi

import (
	"fmt"
	"unsafe"
)

// IMFTransform methods.
const (
	TransformGetOutputStreamInfo    = 7
	TransformGetAttributes          = 8
	TransformGetOutputAvailableType = 14
	TransformSetInputType           = 15
	TransformSetOutputType          = 16
	TransformProcessMessage         = 23
	TransformProcessInput           = 24
	TransformProcessOutput          = 25
)

// MFT_ENUM_FLAG values.
const (
	MFT_ENUM_FLAG_SYNCMFT       = 0x00000001
	MFT_ENUM_FLAG_ASYNCMFT      = 0x00000002
	MFT_ENUM_FLAG_HARDWARE      = 0x00000004
	MFT_ENUM_FLAG_SORTANDFILTER = 0x00000040
	MFT_ENUM_FLAG_ALL           = 0x0000003F
)

const (
	MFT_OUTPUT_STREAM_PROVIDES_SAMPLES = 0x00000100
	MFT_OUTPUT_DATA_BUFFER_INCOMPLETE  = 0x01000000
)

// MFT_MESSAGE_TYPE values.
const (
	MFT_MESSAGE_COMMAND_FLUSH          = 0x00000000
	MFT_MESSAGE_COMMAND_DRAIN          = 0x00000001
	MFT_MESSAGE_NOTIFY_BEGIN_STREAMING = 0x10000000
	MFT_MESSAGE_NOTIFY_END_STREAMING   = 0x10000001
	MFT_MESSAGE_NOTIFY_END_OF_STREAM   = 0x10000002
	MFT_MESSAGE_NOTIFY_START_OF_STREAM = 0x10000003
)

const MFVideoInterlace_Progressive = 2

// OutputDataBuffer matches MFT_OUTPUT_DATA_BUFFER.
type OutputDataBuffer struct {
	StreamID uint32
	Sample   uintptr
	Status   uint32
	Events   uintptr
}

// OutputStreamInfo matches MFT_OUTPUT_STREAM_INFO.
type OutputStreamInfo struct {
	Flags     uint32
	Size      uint32
	Alignment uint32
}

var (
	MFT_CATEGORY_VIDEO_ENCODER = MustGUID("{f79eac7d-e545-4387-bdee-d647d7bde42a}")
	IID_IMFTransform           = MustGUID("{bf94c121-5b05-4e6f-8000-ba598961414d}")
	IID_ICodecAPI              = MustGUID("{901db4c7-31ce-41a2-85dc-8fa0bf41b8da}")
	MFT_FRIENDLY_NAME          = MustGUID("{314ffbae-5b41-4c95-9c19-4e7d586face3}")

	CODECAPI_AVEncVideoForceKeyFrame      = MustGUID("{398c1b98-8353-475a-9ef2-8f265d260345}")
	CODECAPI_AVEncMPVGOPSize              = MustGUID("{95f31b26-95a4-41aa-9303-246a7fc6eef1}")
	CODECAPI_AVEncMPVDefaultBPictureCount = MustGUID("{8d390aac-dc5c-4200-b57f-814d04babab2}")
	CODECAPI_AVEncCommonRateControlMode   = MustGUID("{1c0608e9-370c-4710-8a58-cb6181c42423}")
	CODECAPI_AVEncCommonMeanBitRate       = MustGUID("{f7222374-2144-4815-b550-a37f8e12ee52}")
	CODECAPI_AVEncCommonBufferSize        = MustGUID("{0db96574-b6a4-4c8b-8106-3773de0310cd}")
	CODECAPI_AVLowLatencyMode             = MustGUID("{9c27891a-ed7a-40e1-88e8-b22727a024ee}")
)

// Enumerations used with ICodecAPI and MF_MT_MPEG2_PROFILE.
const (
	EAVEncCommonRateControlMode_CBR = 0
	EAVEncH264VProfile_Base         = 66
)

// ICodecAPI::SetValue.
const codecAPISetValue = 9

const vtUI4 = 19

// variant is a VARIANT carrying a VT_UI4 or VT_BOOL payload.
type variant struct {
	vt       uint16
	reserved [3]uint16
	val      uint64
	_        uint64
}

// SetCodecUINT32 sets one ICodecAPI property as VT_UI4.
func SetCodecUINT32(codecAPI uintptr, key *GUID, v uint32) error {
	val := variant{vt: vtUI4, val: uint64(v)}
	if _, err := Call(codecAPI, codecAPISetValue, uintptr(unsafe.Pointer(key)), uintptr(unsafe.Pointer(&val))); err != nil {
		return fmt.Errorf("ICodecAPI::SetValue: %w", err)
	}
	return nil
}
