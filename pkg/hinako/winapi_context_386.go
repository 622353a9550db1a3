//go:build windows && 386

package hinako

import "golang.org/x/sys/windows"

func instructionPointerFromContext(ctx *windows.Context) uintptr {
	return uintptr(ctx.Eip)
}
