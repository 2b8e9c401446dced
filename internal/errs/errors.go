// Package errs implements the error taxonomy that the scheduler and target
// state machines classify every transfer outcome into.
package errs

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Level says how the scheduler should react to a Code.
type Level int

const (
	// LevelOK is the non-error sentinel.
	LevelOK Level = iota
	// LevelInfo covers informational sentinels (already-exists, etc.) that
	// are not failures.
	LevelInfo
	// LevelTransient errors are retried on another mirror without penalty
	// beyond the normal rank update.
	LevelTransient
	// LevelSerious errors are retried but penalize the mirror heavily.
	LevelSerious
	// LevelFatal errors abort the target (and, under failfast, the run).
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelInfo:
		return "info"
	case LevelTransient:
		return "transient"
	case LevelSerious:
		return "serious"
	case LevelFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Code identifies the kind of failure, matching spec §7's taxonomy.
type Code int

const (
	CodeOK Code = iota
	CodeBadFuncArg
	CodeBadOptArg
	CodeUnknownOpt
	CodeCurlSetopt
	CodeCurlDup
	CodeCurl
	CodeCurlM
	CodeBadStatus
	CodeTemporaryErr
	CodeNotLocal
	CodeCannotCreateDir
	CodeCannotCreateTmp
	CodeIO
	CodeFile
	CodeMirrors
	CodeNoURL
	CodeBadChecksum
	CodeUnknownChecksum
	CodeBadURL
	CodeInterrupted
	CodeCbInterrupted
	CodeZck
	CodeMemory
	CodeOpenSSL
	CodeSigaction
	CodeSelect
	CodeAdyDownloaded
	CodeAdyUsedResult
	CodeIncompleteResult
	CodeUnfinished
	CodeUnknownError
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeBadFuncArg:
		return "bad-func-arg"
	case CodeBadOptArg:
		return "bad-opt-arg"
	case CodeUnknownOpt:
		return "unknown-opt"
	case CodeCurlSetopt:
		return "transport-setopt"
	case CodeCurlDup:
		return "transport-dup"
	case CodeCurl:
		return "transport"
	case CodeCurlM:
		return "transport-multi"
	case CodeBadStatus:
		return "bad-status"
	case CodeTemporaryErr:
		return "temporary"
	case CodeNotLocal:
		return "not-local"
	case CodeCannotCreateDir:
		return "cannot-create-dir"
	case CodeCannotCreateTmp:
		return "cannot-create-tmp"
	case CodeIO:
		return "io"
	case CodeFile:
		return "file"
	case CodeMirrors:
		return "mirrors"
	case CodeNoURL:
		return "no-url"
	case CodeBadChecksum:
		return "bad-checksum"
	case CodeUnknownChecksum:
		return "unknown-checksum"
	case CodeBadURL:
		return "bad-url"
	case CodeInterrupted:
		return "interrupted"
	case CodeCbInterrupted:
		return "cb-interrupted"
	case CodeZck:
		return "zck"
	case CodeMemory:
		return "memory"
	case CodeOpenSSL:
		return "openssl"
	case CodeSigaction:
		return "sigaction"
	case CodeSelect:
		return "select"
	case CodeAdyDownloaded:
		return "already-downloaded"
	case CodeAdyUsedResult:
		return "already-used-result"
	case CodeIncompleteResult:
		return "incomplete-result"
	case CodeUnfinished:
		return "unfinished"
	default:
		return "unknown-error"
	}
}

// DownloaderError is the (level, code, reason) triple carried by every
// terminal target outcome.
type DownloaderError struct {
	Level  Level
	Code   Code
	Reason string
	cause  error
}

func (e *DownloaderError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", e.Level, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Level, e.Code, e.Reason)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *DownloaderError) Unwrap() error { return e.cause }

// IsFatal reports whether the scheduler must abort the target outright.
func (e *DownloaderError) IsFatal() bool { return e != nil && e.Level == LevelFatal }

// IsSerious reports whether the mirror should be penalized heavily.
func (e *DownloaderError) IsSerious() bool { return e != nil && e.Level == LevelSerious }

// IsRetriable reports whether another mirror attempt is worthwhile.
func (e *DownloaderError) IsRetriable() bool {
	return e != nil && (e.Level == LevelTransient || e.Level == LevelSerious)
}

// New builds a DownloaderError, attaching a stack trace via cockroachdb/errors.
func New(level Level, code Code, reason string) *DownloaderError {
	return &DownloaderError{Level: level, Code: code, Reason: reason, cause: errors.Newf("%s: %s", code, reason)}
}

// Wrap attaches a DownloaderError classification to an existing error.
func Wrap(level Level, code Code, cause error, reason string) *DownloaderError {
	return &DownloaderError{Level: level, Code: code, Reason: reason, cause: errors.Wrap(cause, reason)}
}

// Transient is a convenience constructor for the common retry path.
func Transient(code Code, reason string) *DownloaderError {
	return New(LevelTransient, code, reason)
}

// Serious is a convenience constructor for mirror-penalizing errors.
func Serious(code Code, reason string) *DownloaderError {
	return New(LevelSerious, code, reason)
}

// Fatal is a convenience constructor for unrecoverable errors.
func Fatal(code Code, reason string) *DownloaderError {
	return New(LevelFatal, code, reason)
}
