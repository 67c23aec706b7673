package middleware

import "net/http"

// EnableCORS sets the header set spec.md §4.E requires on every response
// from the raw and remux HTTP surfaces, plus the exposed headers the
// player needs to read from JS (Content-Range, buffer telemetry).
func EnableCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS, POST")
	w.Header().Set("Access-Control-Allow-Headers", "Range, Content-Type")
	w.Header().Set("Access-Control-Expose-Headers",
		"Content-Length, Content-Range, Content-Type, X-File-Index, X-File-Name",
	)
}
