//go:build windows

package winapi

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
)

// GUID is laid out exactly like the Windows GUID struct.
type GUID = ole.GUID

// MustGUID parses a "{xxxxxxxx-xxxx-...}" literal. It is meant for
// package-level tables and panics on a malformed string.
func MustGUID(s string) *GUID {
	g := ole.NewGUID(s)
	if g == nil {
		panic("winapi: malformed GUID " + s)
	}
	return g
}

// IUnknown vtable slots.
const (
	vtblQueryInterface = 0
	vtblAddRef         = 1
	vtblRelease        = 2
)

// Call invokes the vtable method at idx on the interface pointer obj. The
// object itself is passed as the first argument.
func Call(obj uintptr, idx int, args ...uintptr) (uintptr, error) {
	if obj == 0 {
		return 0, fmt.Errorf("vtable[%d]: nil interface", idx)
	}
	vtbl := *(*uintptr)(unsafe.Pointer(obj))
	fn := *(*uintptr)(unsafe.Pointer(vtbl + uintptr(idx)*unsafe.Sizeof(uintptr(0))))
	all := make([]uintptr, 0, 1+len(args))
	all = append(all, obj)
	all = append(all, args...)
	ret, _, _ := syscall.SyscallN(fn, all...)
	return ret, Check(fmt.Sprintf("vtable[%d]", idx), ret)
}

// Release calls IUnknown::Release; a zero pointer is ignored.
func Release(obj uintptr) {
	if obj == 0 {
		return
	}
	vtbl := *(*uintptr)(unsafe.Pointer(obj))
	fn := *(*uintptr)(unsafe.Pointer(vtbl + vtblRelease*unsafe.Sizeof(uintptr(0))))
	syscall.SyscallN(fn, obj)
}

// AddRef calls IUnknown::AddRef.
func AddRef(obj uintptr) {
	if obj != 0 {
		_, _ = Call(obj, vtblAddRef)
	}
}

// QueryInterface returns obj's implementation of iid. The caller releases
// the result.
func QueryInterface(obj uintptr, iid *GUID) (uintptr, error) {
	var out uintptr
	if _, err := Call(obj, vtblQueryInterface, uintptr(unsafe.Pointer(iid)), uintptr(unsafe.Pointer(&out))); err != nil {
		return 0, err
	}
	return out, nil
}

// CoInit joins the multithreaded apartment on the calling thread. The
// returned func undoes it and must run on the same thread. A thread that
// already belongs to an apartment is left as is.
func CoInit() (func(), error) {
	err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED)
	if err == nil {
		return ole.CoUninitialize, nil
	}
	var oleErr *ole.OleError
	if errors.As(err, &oleErr) {
		switch HRESULT(uint32(oleErr.Code())) {
		case S_FALSE:
			return ole.CoUninitialize, nil
		case RPC_E_CHANGED_MODE:
			return func() {}, nil
		}
	}
	return nil, fmt.Errorf("CoInitializeEx: %w", err)
}

// TaskMemFree releases memory the callee allocated with CoTaskMemAlloc.
func TaskMemFree(p uintptr) {
	if p != 0 {
		ole.CoTaskMemFree(p)
	}
}

// UTF16PtrToString copies a NUL-terminated wide string.
func UTF16PtrToString(p uintptr) string {
	if p == 0 {
		return ""
	}
	n := 0
	for ptr := unsafe.Pointer(p); *(*uint16)(ptr) != 0; n++ {
		ptr = unsafe.Add(ptr, 2)
	}
	return syscall.UTF16ToString(unsafe.Slice((*uint16)(unsafe.Pointer(p)), n))
}
