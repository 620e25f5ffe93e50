package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// recordingWriter wraps http.ResponseWriter to capture what the handler
// sent. It must forward Flush: the chat stream handler refuses to start
// against a writer that cannot flush, so every wrapper between chi and the
// handler has to keep http.Flusher intact.
type recordingWriter struct {
	http.ResponseWriter
	status   int
	bytes    int
	streamed bool
}

func record(w http.ResponseWriter) *recordingWriter {
	return &recordingWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *recordingWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func (rw *recordingWriter) Flush() {
	rw.streamed = true
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logger logs one structured line per request. SSE responses are marked
// streamed; their byte count covers the whole stream.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := record(w)

		next.ServeHTTP(rw, r)

		event := log.Info()
		if rw.status >= 400 {
			event = log.Warn()
		}
		if rw.status >= 500 {
			event = log.Error()
		}

		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Int("bytes", rw.bytes).
			Bool("streamed", rw.streamed).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("request")
	})
}
