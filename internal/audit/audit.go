// Package audit records the best-effort operation trail required by
// spec.md §4.9: every externally triggered core operation (a PA
// verification, a manual reconciliation run) writes one row on
// completion. A failed audit write never fails the operation it
// describes — grounded on the teacher's own log.AuditLogger/AuditErr
// pattern of treating audit output as a side channel, never a blocking
// dependency of the caller.
package audit

import (
	"encoding/json"
	"time"

	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/store"
)

// Sink is the subset of internal/store's write surface this package
// depends on, so tests can supply an in-memory fake.
type Sink interface {
	SaveAuditLogEntry(entry *store.AuditLogEntry) error
}

// Logger writes best-effort audit rows.
type Logger struct {
	sink Sink
	log  log.Logger
}

func New(sink Sink, logger log.Logger) *Logger {
	return &Logger{sink: sink, log: logger}
}

// Entry describes one completed operation (spec.md §4.9).
type Entry struct {
	OperationType string
	Subject       string
	IPAddress     string
	Duration      time.Duration
	Success       bool
	Err           error
	Metadata      map[string]any
}

// Record writes entry as an audit row. Any failure (marshaling the
// metadata, or the underlying store write) is logged and swallowed —
// per spec.md §4.9 "Writes are best-effort."
func (l *Logger) Record(entry Entry) {
	metadataJSON := "{}"
	if len(entry.Metadata) > 0 {
		if b, err := json.Marshal(entry.Metadata); err == nil {
			metadataJSON = string(b)
		} else {
			l.log.Warning("audit: failed to marshal metadata: " + err.Error())
		}
	}

	errText := ""
	if entry.Err != nil {
		errText = entry.Err.Error()
	}

	row := &store.AuditLogEntry{
		OperationType: entry.OperationType,
		Subject:       entry.Subject,
		IPAddress:     entry.IPAddress,
		DurationMs:    entry.Duration.Milliseconds(),
		Success:       entry.Success,
		ErrorText:     errText,
		Metadata:      metadataJSON,
	}
	if err := l.sink.SaveAuditLogEntry(row); err != nil {
		l.log.Warning("audit: failed to write audit log entry for " + entry.OperationType + ": " + err.Error())
	}
}

// Track is a convenience wrapper for the common "time an operation, then
// record its outcome" shape. Call the returned func with the operation's
// error (nil on success) when it completes.
func (l *Logger) Track(operationType, subject, ipAddress string) func(err error, metadata map[string]any) {
	start := time.Now()
	return func(err error, metadata map[string]any) {
		l.Record(Entry{
			OperationType: operationType,
			Subject:       subject,
			IPAddress:     ipAddress,
			Duration:      time.Since(start),
			Success:       err == nil,
			Err:           err,
			Metadata:      metadata,
		})
	}
}
