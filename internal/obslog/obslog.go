// Package obslog wraps log/slog with a narrow set of typed field helpers
// so a call site can never accidentally pass key material or plaintext
// into a log line, grounded on the teacher's cmd/relay/main.go use of
// slog.Info/slog.Error with structured key-value attrs.
package obslog

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Default is the process-wide logger: a text handler on stderr at info
// level unless SetOutput replaces it.
var Default = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetOutput reconfigures Default to write to w at the given level.
func SetOutput(w io.Writer, level slog.Level) {
	Default = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Peer renders a domain node id's log-safe short form. Pass the value
// returned by domain.NodeID.String(), never raw key bytes.
func Peer(id string) slog.Attr { return slog.String("peer", id) }

// Addr renders a dial/listen address.
func Addr(addr string) slog.Attr { return slog.String("addr", addr) }

// ReqID renders a request/connection correlation id.
func ReqID(id string) slog.Attr { return slog.String("req_id", id) }

// Err renders an error's message. Never pass a value that might embed
// plaintext or key material into this helper.
func Err(err error) slog.Attr { return slog.String("err", err.Error()) }

// Count renders a generic integer count field (queue depth, retry count,
// bucket size, etc).
func Count(name string, n int) slog.Attr { return slog.Int(name, n) }

// Info logs at info level with the given typed attrs.
func Info(msg string, attrs ...slog.Attr) {
	Default.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
}

// Warn logs at warn level with the given typed attrs.
func Warn(msg string, attrs ...slog.Attr) {
	Default.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
}

// Error logs at error level with the given typed attrs.
func Error(msg string, attrs ...slog.Attr) {
	Default.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}
