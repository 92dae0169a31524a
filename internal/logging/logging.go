// Package logging provides slog setup and shared attribute helpers so log
// entries use consistent keys across the codebase.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Common log attribute keys.
const (
	KeyOperation = "operation"
	KeyAccount   = "account"
	KeySession   = "session"
	KeyRecord    = "record_id"
	KeyCategory  = "category"
	KeyAction    = "action"
	KeyCount     = "count"
	KeyDuration  = "duration"
	KeyStatus    = "status"
	KeyError     = "error"
)

// Status values for the KeyStatus attribute.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Setup installs the default slog logger. Structured logs go to stderr so
// interactive review output on stdout stays clean. format is "text" or
// "json"; level is one of debug, info, warn, error.
func Setup(level, format string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Account returns a slog attribute for the account name.
func Account(account string) slog.Attr {
	return slog.String(KeyAccount, account)
}

// Session returns a slog attribute for the session ID.
func Session(id string) slog.Attr {
	return slog.String(KeySession, id)
}

// RecordID returns a slog attribute for a record identifier.
func RecordID(id string) slog.Attr {
	return slog.String(KeyRecord, id)
}

// ActionAttr returns a slog attribute for a triage action.
func ActionAttr(action string) slog.Attr {
	return slog.String(KeyAction, action)
}

// Count returns a slog attribute for an item count.
func Count(n int) slog.Attr {
	return slog.Int(KeyCount, n)
}

// Duration returns a slog attribute for an elapsed time.
func Duration(d time.Duration) slog.Attr {
	return slog.String(KeyDuration, d.String())
}

// Status returns a slog attribute for an outcome status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Err returns a slog attribute for an error. If err is nil it returns an
// empty group that slog omits from output, so Err(maybeNil) is always safe.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}
