// Package httputil provides small HTTP plumbing shared by the Git gateway
// and RPC translator: error responses, request logging, and the Git
// packet-line framing used by smart-HTTP advertisement responses.
package httputil

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xamionex/aurora-server/internal/logging"
)

// ErrorResponse writes a plain-text error body and logs the failure.
func ErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	logging.FromContext(r.Context()).ErrorContext(r.Context(), "request failed",
		"status", status,
		"path", r.URL.Path,
		"message", message,
	)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, message) //nolint:errcheck
}

// statusRecorder captures the status code written by the wrapped handler so
// that LoggingMiddleware can log it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Flush propagates flush-ability through to the underlying writer so
// streaming Git gateway responses keep working when wrapped.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingMiddleware logs method, path, status, and duration at Debug level.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		logging.FromContext(r.Context()).DebugContext(r.Context(), "handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// WritePacketLine writes s as a Git packet-line: a 4-hex-digit length
// prefix (counting the prefix itself) followed by s verbatim.
func WritePacketLine(w io.Writer, s string) error {
	_, err := fmt.Fprintf(w, "%04x%s", len(s)+4, s)
	return err
}

// WriteFlushPacket writes the Git packet-line flush marker "0000".
func WriteFlushPacket(w io.Writer) error {
	_, err := fmt.Fprint(w, "0000")
	return err
}
