//go:build windows && amd64

package hinako

import "golang.org/x/sys/windows"

func instructionPointerFromContext(ctx *windows.Context) uintptr {
	return uintptr(ctx.Rip)
}
