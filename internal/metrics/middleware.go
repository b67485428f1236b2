package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// statusRecorder captures the status code written downstream so it can be
// used as a metric label.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// InstrumentHandler wraps next so every request lands on the shared API
// request families. The route label is fixed by the caller rather than taken
// from the URL, keeping label cardinality bounded. Not for endpoints that
// hijack the connection: the wrapper does not implement http.Hijacker.
func InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		RecordAPIRequest(r.Method, route, strconv.Itoa(rec.status), float64(time.Since(start).Milliseconds()))
	})
}
