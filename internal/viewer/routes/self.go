package routes

import (
	"net/http"

	"github.com/petervdpas/counselcall/internal/storage"
)

func registerSelfRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/self: who is signed in and whether incoming calls can ring.
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		var s Session
		if d.Session != nil {
			s = d.Session()
		}
		if s == nil {
			writeJSON(w, map[string]any{"signed_in": false})
			return
		}
		self := s.Self()
		writeJSON(w, map[string]any{
			"signed_in":          true,
			"id":                 self.ID,
			"name":               self.Name,
			"incoming_available": s.Incoming().Available(),
			"busy":               s.Calls().Busy(),
		})
	})

	// GET /api/contacts: users seen in calls, most recent first.
	handleGet(mux, "/api/contacts", func(w http.ResponseWriter, r *http.Request) {
		s := current(w, d)
		if s == nil {
			return
		}
		contacts, err := s.Contacts()
		if err != nil {
			writeError(w, "list contacts failed", err)
			return
		}
		if contacts == nil {
			contacts = []storage.Contact{}
		}
		writeJSON(w, contacts)
	})
}
