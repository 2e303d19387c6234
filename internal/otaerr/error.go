// Package otaerr defines the error taxonomy shared across the patching
// pipeline so the CLI can print a human-readable failure kind instead of a
// bare Go error chain.
package otaerr

import "fmt"

// Kind names a distinct, user-visible failure category.
type Kind string

const (
	BadArguments     Kind = "BAD_ARGUMENTS"
	KeyLoad          Kind = "KEY_LOAD"
	KeyMismatch      Kind = "KEY_MISMATCH"
	MalformedArchive Kind = "MALFORMED_ARCHIVE"
	MalformedPayload Kind = "MALFORMED_PAYLOAD"
	UnsupportedOp    Kind = "UNSUPPORTED_OP"
	HashMismatch     Kind = "HASH_MISMATCH"
	BootImage        Kind = "BOOT_IMAGE"
	VbmetaIncompat   Kind = "VBMETA_INCOMPATIBLE"
	MagiskVersion    Kind = "MAGISK_VERSION"
	Signature        Kind = "SIGNATURE"
	Sign             Kind = "SIGN"
	MetadataOffsets  Kind = "METADATA_OFFSETS"
)

// Error is the single error type raised anywhere in the pipeline. Warning
// is set only for kinds spec.md allows to be downgraded (currently only
// MagiskVersion, enforced by the caller rather than here).
type Error struct {
	Kind    Kind
	Msg     string
	Warning bool
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, msg string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(msg, args...)}
}

// Wrap builds an Error around an existing cause.
func Wrap(kind Kind, cause error, msg string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(msg, args...), Cause: cause}
}

// Warn builds a downgradable Error. Only MagiskVersion is ever constructed
// this way in practice; the caller decides whether to treat it as fatal.
func Warn(kind Kind, msg string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(msg, args...), Warning: true}
}
