package hinako

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// HandlerResult is the return code convention custom handlers and the
// outer callback share (PreCall step 9 "Treat return codes:
// success → continue; suppress → continue with no outer notification;
// failure → record error, free the per-call record, return ignore").
type HandlerResult int

const (
	HandlerContinue HandlerResult = iota
	HandlerSuppress
	HandlerFailure
)

// Callbacks bundles the host-consumed callback surface of // ("Host callback (consumed)"). A nil *Callbacks is treated as "no
// handlers, no observer" rather than requiring every field to be set.
type Callbacks struct {
	// OnHookCalled is invoked once per phase per call, unless suppressed
	// ("OnHookCalled(callInfo, interCallScratch, params,
	// customParams)").
	OnHookCalled func(phase CallPhase, entry *HookEntry, rec *CallRecord) HandlerResult
	// OnHookOverwritten fires once per checkOverwrittenHooks batch that
	// finds changed bytes ("OnHookOverwritten(ids[])").
	OnHookOverwritten func(ids []uint32)
	// OnError reports a dispatcher-level failure that degraded the call
	// to ignore rather than propagating ("Dispatcher errors...
	// are reported via OnError").
	OnError func(err error)
	// IsSystemThread answers PreCall step 3 ("is this a
	// system/internal thread?"). A nil func means "never".
	IsSystemThread func(threadID uint32) bool
	// UnderLoaderLock reports whether the OS loader lock is currently
	// held by this thread, gating FlagDontCallOnLdrLock /
	// FlagDontCallCustomHandlersOnLdrLock (steps 9/PostCall
	// step 5). A nil func means "never under loader lock".
	UnderLoaderLock func() bool
}

func (c *Callbacks) isSystemThread(tid uint32) bool {
	if c == nil || c.IsSystemThread == nil {
		return false
	}
	return c.IsSystemThread(tid)
}

func (c *Callbacks) underLoaderLock() bool {
	if c == nil || c.UnderLoaderLock == nil {
		return false
	}
	return c.UnderLoaderLock()
}

func (c *Callbacks) onError(err error) {
	if c != nil && c.OnError != nil {
		c.OnError(err)
	}
}

func (c *Callbacks) onHookCalled(phase CallPhase, entry *HookEntry, rec *CallRecord) HandlerResult {
	if c == nil || c.OnHookCalled == nil {
		return HandlerContinue
	}
	return c.OnHookCalled(phase, entry, rec)
}

func (c *Callbacks) onHookOverwritten(ids []uint32) {
	if c != nil && c.OnHookOverwritten != nil {
		c.OnHookOverwritten(ids)
	}
}

// CustomHandlerChain runs a HookEntry's ordered custom-handler list.
// Resolution of a (DLLName, HandlerName) pair to an invocable function
// is itself an out-of-scope observer-callback ABI; this chain only
// decides, for each descriptor, whether to invoke it at all (the flags
// word on the descriptor could gate per-handler loader-lock
// suppression in a fuller implementation — carried here as an
// unconditional call per descriptor).
type CustomHandlerChain struct {
	invoke func(h CustomHandler, phase CallPhase, entry *HookEntry, rec *CallRecord) HandlerResult
}

func NewCustomHandlerChain(invoke func(h CustomHandler, phase CallPhase, entry *HookEntry, rec *CallRecord) HandlerResult) *CustomHandlerChain {
	return &CustomHandlerChain{invoke: invoke}
}

// Run invokes every handler in order, stopping early on the first
// Suppress or Failure (mirroring the outer OnHookCalled return-code
// contract so both layers compose the same way).
func (c *CustomHandlerChain) Run(phase CallPhase, entry *HookEntry, rec *CallRecord) HandlerResult {
	if c == nil || c.invoke == nil {
		return HandlerContinue
	}
	for _, h := range entry.CustomHandlers {
		switch c.invoke(h, phase, entry, rec) {
		case HandlerSuppress:
			return HandlerSuppress
		case HandlerFailure:
			return HandlerFailure
		}
	}
	return HandlerContinue
}

// DecodeCustomHandlerBlob parses the little-endian, unaligned wire
// format of ("Custom-handler blob format"):
//
//	uint32 count
//	repeat count:
//	  uint32 flags
//	  uint32 dllNameChars
//	  uint32 handlerNameChars
//	  utf16  dllName[dllNameChars]
//	  utf16  handlerName[handlerNameChars]
//
// Any declared length that would overrun the blob is rejected with
// ErrInvalidTransportData ("Rejected with a distinct error if
// any length overruns the blob", scenario 6).
func DecodeCustomHandlerBlob(blob []byte) ([]CustomHandler, error) {
	r := bytes.NewReader(blob)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, errors.Wrap(ErrInvalidTransportData, "truncated count")
	}

	out := make([]CustomHandler, 0, count)
	for i := uint32(0); i < count; i++ {
		var flags, dllChars, handlerChars uint32
		if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
			return nil, errors.Wrap(ErrInvalidTransportData, "truncated flags")
		}
		if err := binary.Read(r, binary.LittleEndian, &dllChars); err != nil {
			return nil, errors.Wrap(ErrInvalidTransportData, "truncated dllNameChars")
		}
		if err := binary.Read(r, binary.LittleEndian, &handlerChars); err != nil {
			return nil, errors.Wrap(ErrInvalidTransportData, "truncated handlerNameChars")
		}

		dllName, err := readUTF16(r, dllChars)
		if err != nil {
			return nil, err
		}
		handlerName, err := readUTF16(r, handlerChars)
		if err != nil {
			return nil, err
		}

		out = append(out, CustomHandler{DLLName: dllName, HandlerName: handlerName, Flags: flags})
	}
	return out, nil
}

func readUTF16(r *bytes.Reader, units uint32) (string, error) {
	if units == 0 {
		return "", nil
	}
	if int64(units)*2 > int64(r.Len()) {
		return "", errors.WithStack(ErrInvalidTransportData)
	}
	buf := make([]uint16, units)
	for i := range buf {
		if err := binary.Read(r, binary.LittleEndian, &buf[i]); err != nil {
			return "", errors.Wrap(ErrInvalidTransportData, "truncated utf16 run")
		}
	}
	return string(utf16.Decode(buf)), nil
}
