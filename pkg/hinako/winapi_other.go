//go:build !windows

package hinako

import "github.com/pkg/errors"

// platformDefaults has no backend outside Windows (: hooking is
// an in-process Windows operation end to end). Callers that want to
// exercise Engine on another OS must supply PlatformMemory/Suspender
// themselves via WithPlatformMemory/WithSuspender, same as the tests
// in this package do.
func platformDefaults() (PlatformMemory, Suspender, func() uint32, error) {
	return nil, nil, nil, errors.WithStack(ErrNotImplemented)
}

// platformCallbackAddrs has no real trampoline-callable addresses to
// hand out off Windows; Engine.wire leaves PreCallFn/PostCallFn zeroed
// in that case; the only way to reach this build of the package is
// through tests, which exercise Dispatcher.PreCall/PostCall directly
// rather than through the sentinel-patched machine code.
func platformCallbackAddrs(e *Engine) (preCallFn, postCallFn uintptr) {
	return 0, 0
}
