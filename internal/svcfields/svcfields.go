// Package svcfields tags log entries with a dot-delimited subsystem path,
// e.g. "http.gateway.run" or "pool.supervisor".
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the log field key carrying the subsystem path.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins the non-empty parts into a dot-delimited path.
func Subsystem(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, ".")
}

// WithSubsystem returns a logger that stamps every entry with the subsystem.
// A nil logger yields a noop logger so call sites need no guard.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
