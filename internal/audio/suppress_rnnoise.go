//go:build rnnoise && cgo

package audio

/*
#cgo pkg-config: rnnoise
#include <rnnoise.h>
*/
import "C"

import (
	"errors"
	"unsafe"
)

// rnnoiseFrameSize is fixed by the library: 10 ms at 48 kHz.
const rnnoiseFrameSize = 480

type rnnoiseSuppressor struct {
	st  *C.DenoiseState
	in  [rnnoiseFrameSize]C.float
	out [rnnoiseFrameSize]C.float
}

// NewSuppressor returns a recurrent-network denoiser backed by librnnoise.
func NewSuppressor() (Suppressor, error) {
	st := C.rnnoise_create(nil)
	if st == nil {
		return nil, errors.New("audio: rnnoise_create failed")
	}
	return &rnnoiseSuppressor{st: st}, nil
}

func (r *rnnoiseSuppressor) Process(frame []float32) {
	if r.st == nil || len(frame) != rnnoiseFrameSize {
		return
	}
	for i, v := range frame {
		r.in[i] = C.float(v)
	}
	C.rnnoise_process_frame(r.st, (*C.float)(unsafe.Pointer(&r.out[0])), (*C.float)(unsafe.Pointer(&r.in[0])))
	for i := range frame {
		frame[i] = float32(r.out[i])
	}
}

func (r *rnnoiseSuppressor) Close() {
	if r.st != nil {
		C.rnnoise_destroy(r.st)
		r.st = nil
	}
}
