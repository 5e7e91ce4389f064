package httpapi

import (
	"net/http"
)

// Router serves the operator read surface. maxInflight bounds concurrent
// requests; anything past it is rejected instead of queued.
func Router(h *Handlers, maxInflight int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /v1/operations/{id}", h.GetOperation)
	mux.HandleFunc("GET /v1/accounts/{id}/balances/{asset}", h.GetBalance)

	// Backpressure at the edge.
	// Prevents unbounded goroutine/pool queueing when DB is saturated.
	return withConcurrencyLimit(mux, maxInflight)
}

func withConcurrencyLimit(next http.Handler, max int) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			// Fast fail instead of queueing forever.
			writeErr(w, http.StatusServiceUnavailable, "server busy")
		}
	})
}
