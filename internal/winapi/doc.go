// Package winapi holds the COM and Media Foundation plumbing shared by the
// Windows capture, audio, encoder and enumeration code. Interfaces are
// driven through their vtables with syscall.SyscallN; go-ole supplies COM
// initialization, GUID parsing and task memory.
package winapi
