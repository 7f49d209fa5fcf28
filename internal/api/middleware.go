package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/comfyvn/studio/internal/apperr"
)

// withRecovery catches panics at the boundary, dumps a crash report to
// logs/crash/<ts>.json with a redacted copy of the request, and answers
// internal_error (§7).
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			path, err := s.crash.Report(fmt.Sprint(rec), debug.Stack(), map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
				"query":  redactQuery(r.URL.RawQuery),
			})
			if err != nil {
				s.log.Error("write crash report", "error", err)
			} else {
				s.log.Error("handler panic", "path", r.URL.Path, "crash_report", path)
			}
			apperr.Write(w, apperr.New(apperr.InternalError, "internal error"))
		}()
		next.ServeHTTP(w, r)
	})
}

// redactQuery strips values from keys that look secret-bearing before they
// land in a crash report.
func redactQuery(raw string) string {
	parts := strings.Split(raw, "&")
	for i, p := range parts {
		k, _, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		lk := strings.ToLower(k)
		if strings.Contains(lk, "token") || strings.Contains(lk, "secret") || strings.Contains(lk, "key") {
			parts[i] = k + "=[redacted]"
		}
	}
	return strings.Join(parts, "&")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades hijack the connection; wrapping the writer
		// breaks the upgrader's Hijacker assertion.
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, 8<<20)
	defer func() { _, _ = io.Copy(io.Discard, body) }()
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return apperr.Newf(apperr.InvalidInput, "decode request body: %v", err)
	}
	return nil
}

// writeJSON renders v at status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
