//go:build !linux && !windows

package locator

import (
	"fmt"
	"runtime"
)

// Host library and the symbol returning its build number.
const (
	Library     = "libbyond.so"
	BuildSymbol = "_ZN8ByondLib13GetByondBuildEv"
)

func Find(library string) (Module, error) {
	return nil, handleError(library, fmt.Errorf("unsupported platform %s", runtime.GOOS))
}
