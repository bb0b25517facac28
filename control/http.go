package control

import (
	"encoding/json"
	"net/http"
	"strings"
)

// StatsHandler serves read-only status over HTTP:
//
//	GET /healthz
//	GET /status
//	GET /peers
//	GET /peer?key=<base64 public key>
//
// When the handler has a token, requests must carry it as a bearer token.
func (h *Handler) StatsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /status", h.guard(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Status())
	}))
	mux.HandleFunc("GET /peers", h.guard(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Status().Peers)
	}))
	mux.HandleFunc("GET /peer", h.guard(func(w http.ResponseWriter, r *http.Request) {
		resp := h.Handle(Request{Op: OpPeerStats, Token: h.token, PublicKey: r.URL.Query().Get("key")})
		if !resp.OK {
			writeJSON(w, httpStatus(resp.Code), resp)
			return
		}
		writeJSON(w, http.StatusOK, resp.Peer)
	}))
	return mux
}

func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !h.authorized(token) {
			h.metrics.Unauthorized.Inc()
			writeJSON(w, http.StatusUnauthorized, failure(ErrUnauthorized))
			return
		}
		next(w, r)
	}
}

func httpStatus(code string) int {
	switch code {
	case "unknown_peer":
		return http.StatusNotFound
	case "unauthorized":
		return http.StatusUnauthorized
	case "internal":
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
