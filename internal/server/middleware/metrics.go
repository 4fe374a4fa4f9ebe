package middleware

import "net/http"

// Instrument returns middleware that reports the method and final status of
// every request to observe. A nil observe disables it.
func Instrument(observe func(method string, status int)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if observe == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			observe(r.Method, rw.statusCode)
		})
	}
}
