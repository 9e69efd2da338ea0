package httpapi

import (
	"net/http"
)

// Reloader re-reads source credentials and reconnects. *session.Session
// implements it.
type Reloader interface {
	ReloadSource() (login string, err error)
}

func (s *Server) registerAdmin(mux *http.ServeMux, rel Reloader) {
	s.handle(mux, "/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}, false)
	s.handle(mux, "/admin/source/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		login, err := rel.ReloadSource()
		if err != nil {
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reloaded": true, "login": login})
	}, false)
}
