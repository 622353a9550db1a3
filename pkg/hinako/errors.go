package hinako

import "github.com/pkg/errors"

// Error kinds from Compare with errors.Is; the wrapped chain
// built by errors.Wrap/errors.WithStack still carries a readable trail
// for logs.
var (
	ErrOutOfMemory           = errors.New("hinako: out of memory")
	ErrInvalidArgument       = errors.New("hinako: invalid argument")
	ErrAlreadyExists         = errors.New("hinako: hook id already exists")
	ErrNotFound              = errors.New("hinako: hook id not found")
	ErrNotImplemented        = errors.New("hinako: not implemented on this platform")
	ErrInvalidTransportData  = errors.New("hinako: malformed custom-handler blob")
	ErrSuspendFailed         = errors.New("hinako: thread suspension failed")
	ErrProtectFailed         = errors.New("hinako: memory protection change failed")
	ErrDisassembleFailed     = errors.New("hinako: unable to relocate function prologue")
	ErrCancelled             = errors.New("hinako: call cancelled by thread exit")
	ErrHandlerFailed         = errors.New("hinako: custom handler or callback returned failure")
)
