// internal/viewer/routes/register.go
package routes

import (
	"net/http"

	"github.com/petervdpas/counselcall/internal/call"
	"github.com/petervdpas/counselcall/internal/chat"
	"github.com/petervdpas/counselcall/internal/storage"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Session is the signed-in user's live services.
type Session interface {
	Self() call.Identity
	Calls() *call.Manager
	Incoming() *call.Watcher
	Chat() *chat.Manager
	// Contacts lists users seen in calls; Remember adds one.
	Contacts() ([]storage.Contact, error)
	Remember(userID, name string)
}

type Deps struct {
	// Session returns nil while nobody is signed in.
	Session func() Session
	Logs    Logs
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerSelfRoutes(mux, d)
	RegisterCall(mux, d)
	RegisterChat(mux, d)
}
