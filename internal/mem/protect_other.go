//go:build !linux && !windows

package mem

import (
	"errors"

	"github.com/k2io/byondhook/internal/fault"
)

var errPlatform = errors.New("memory protection not supported on this platform")

func (self) Unprotect(_, _ uintptr) (Snapshot, error) {
	return Snapshot{}, fault.Wrap(fault.OSResource, "unprotect", errPlatform)
}

func (self) Reprotect(_, _ uintptr, _ Snapshot) error {
	return fault.Wrap(fault.OSResource, "reprotect", errPlatform)
}

func (self) AllocExec(_ uintptr) (uintptr, error) {
	return 0, fault.Wrap(fault.OSResource, "alloc", errPlatform)
}
