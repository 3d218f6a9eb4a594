package mem

import (
	"runtime/debug"
	"unsafe"
)

type self struct{}

// Self returns the address space of the running process.
func Self() Process { return self{} }

func makeSlice(addr, size uintptr) []byte {
	//nolint:govet // addr is foreign memory, not a Go object.
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// guard turns a fault raised by the access into ErrFault.
func guard(op string, addr uintptr, err *error) {
	if r := recover(); r != nil {
		*err = faultAt(op, addr, ErrFault)
	}
}

func (self) Read(addr uintptr, p []byte) (err error) {
	if addr == 0 {
		return faultAt("read", addr, ErrNull)
	}
	defer guard("read", addr, &err)
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	copy(p, makeSlice(addr, uintptr(len(p))))
	return nil
}

func (self) Write(addr uintptr, p []byte) (err error) {
	if addr == 0 {
		return faultAt("write", addr, ErrNull)
	}
	defer guard("write", addr, &err)
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	copy(makeSlice(addr, uintptr(len(p))), p)
	return nil
}

func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
