package routes

import (
	"net/http"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/counselcall/internal/call"
)

var log = logging.Logger("viewer")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// dashboards are local pages; cross-origin access is decided by the CORS layer
	CheckOrigin: func(r *http.Request) bool { return true },
}

type callRequest struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// RegisterCall registers the call API.
func RegisterCall(mux *http.ServeMux, d Deps) {
	// GET /api/call/debug: live session states for testing without a UI.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		s := current(w, d)
		if s == nil {
			return
		}
		sessions := s.Calls().AllSessions()
		states := make([]call.State, 0, len(sessions))
		for _, cs := range sessions {
			states = append(states, cs.State())
		}
		resp := map[string]any{
			"session_count": len(states),
			"sessions":      states,
			"busy":          s.Calls().Busy(),
		}
		if ic, ok := s.Incoming().Ringing(); ok {
			resp["ringing"] = ic
		}
		writeJSON(w, resp)
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID   string `json:"peer_id"`
		PeerName string `json:"peer_name"`
	}) {
		s := current(w, d)
		if s == nil {
			return
		}
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		inv, err := s.Calls().StartCall(r.Context(), req.PeerID, req.PeerName)
		if err != nil {
			writeError(w, "start call failed", err)
			return
		}
		s.Remember(req.PeerID, req.PeerName)
		writeJSON(w, inv)
	})

	// POST /api/call/answer
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		s := current(w, d)
		if s == nil {
			return
		}
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		inv, err := s.Calls().AcceptCall(r.Context(), req.CallID)
		if err != nil {
			writeError(w, "answer failed", err)
			return
		}
		writeJSON(w, inv)
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		s := current(w, d)
		if s == nil {
			return
		}
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := s.Calls().DeclineCall(r.Context(), req.CallID, req.Reason); err != nil {
			writeError(w, "decline failed", err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined", "call_id": req.CallID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		s := current(w, d)
		if s == nil {
			return
		}
		sess, ok := s.Calls().GetSession(req.CallID)
		if !ok {
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		if err := sess.Hangup(r.Context()); err != nil {
			writeError(w, "hangup failed", err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		sess, ok := lookupSession(w, d, req.CallID)
		if !ok {
			return
		}
		muted, err := sess.ToggleAudio()
		if err != nil {
			writeError(w, "toggle audio failed", err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		sess, ok := lookupSession(w, d, req.CallID)
		if !ok {
			return
		}
		off, err := sess.ToggleVideo()
		if err != nil {
			writeError(w, "toggle video failed", err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": off})
	})

	// GET /api/call/events: SSE: incoming, cancelled and availability events.
	// Each connection gets its own subscription; it ends on disconnect or
	// sign-out.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		s := current(w, d)
		if s == nil {
			return
		}
		flusher, ok := startSSE(w)
		if !ok {
			return
		}
		events, cancel := s.Incoming().SubscribeIncoming()
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if writeEvent(w, flusher, "call", ev) != nil {
					return
				}
			}
		}
	})

	// GET /api/call/session/{id}/events: SSE: state changes until the call ends.
	handleGet(mux, "/api/call/session/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(w, d, r.PathValue("id"))
		if !ok {
			return
		}
		flusher, ok := startSSE(w)
		if !ok {
			return
		}
		states, cancel := sess.Subscribe()
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				if writeEvent(w, flusher, "state", st) != nil {
					return
				}
			}
		}
	})

	// GET /api/call/media/{id}?src=remote|self: WebSocket: live WebM stream.
	// The first message is the init segment; the rest are clusters.
	handleGet(mux, "/api/call/media/{id}", func(w http.ResponseWriter, r *http.Request) {
		callID := r.PathValue("id")
		sess, ok := lookupSession(w, d, callID)
		if !ok {
			return
		}
		var stream *call.WebMStream
		switch src := r.URL.Query().Get("src"); src {
		case "", "remote":
			stream = sess.RemoteStream()
		case "self":
			stream = sess.SelfStream()
		default:
			http.Error(w, "src must be remote or self", http.StatusBadRequest)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("CALL [%s]: WebSocket upgrade error: %v", callID, err)
			return
		}
		defer conn.Close()
		log.Debugf("CALL [%s]: media WebSocket connected", callID)

		data, cancel := stream.Subscribe()
		defer cancel()

		// Drain incoming messages (ping/pong, close frames) without blocking.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case <-sess.Done():
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
				return
			case msg, ok := <-data:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
					return
				}
			}
		}
	})
}

func lookupSession(w http.ResponseWriter, d Deps, callID string) (*call.Session, bool) {
	s := current(w, d)
	if s == nil {
		return nil, false
	}
	if callID == "" {
		http.Error(w, "missing call_id", http.StatusBadRequest)
		return nil, false
	}
	sess, ok := s.Calls().GetSession(callID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}
