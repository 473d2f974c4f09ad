package routes

import (
	"errors"
	"net/http"

	"github.com/petervdpas/counselcall/internal/chat"
	"github.com/petervdpas/counselcall/internal/docstore"
)

// RegisterChat wires the chat endpoints of the signed-in user.
//
//	POST   /api/chat/open               thread of a counselor/student pair
//	POST   /api/chat/send               append a message
//	GET    /api/chat/threads            threads the user takes part in
//	GET    /api/chat/{thread}/messages  current history
//	GET    /api/chat/{thread}/events    SSE: full ordered history after each change
//	DELETE /api/chat/{thread}           delete the thread and its messages
func RegisterChat(mux *http.ServeMux, d Deps) {
	handlePost(mux, "/api/chat/open", func(w http.ResponseWriter, r *http.Request, req struct {
		CounselorID string `json:"counselor_id"`
		StudentID   string `json:"student_id"`
	}) {
		s := current(w, d)
		if s == nil {
			return
		}
		self := s.Self().ID
		if req.CounselorID == "" {
			req.CounselorID = self
		}
		if req.StudentID == "" {
			req.StudentID = self
		}
		if req.CounselorID != self && req.StudentID != self {
			http.Error(w, "not a participant", http.StatusForbidden)
			return
		}
		id, err := s.Chat().OpenThread(r.Context(), req.CounselorID, req.StudentID)
		if err != nil {
			writeError(w, "open thread failed", err)
			return
		}
		writeJSON(w, map[string]string{"thread_id": id})
	})

	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		ThreadID string `json:"thread_id"`
		ID       string `json:"id,omitempty"` // client id of an optimistic copy
		Content  string `json:"content"`
	}) {
		s := current(w, d)
		if s == nil {
			return
		}
		if _, ok := participantThread(w, r, s, req.ThreadID); !ok {
			return
		}
		self := s.Self()
		msg := chat.NewOutgoing(req.ThreadID, self.ID, self.Name, req.Content)
		if req.ID != "" {
			msg.ID = req.ID
		}
		stored, err := s.Chat().SendMessage(r.Context(), msg)
		if err != nil {
			writeError(w, "send failed", err)
			return
		}
		writeJSON(w, stored)
	})

	handleGet(mux, "/api/chat/threads", func(w http.ResponseWriter, r *http.Request) {
		s := current(w, d)
		if s == nil {
			return
		}
		threads, err := s.Chat().ListThreads(r.Context(), s.Self().ID)
		if err != nil {
			writeError(w, "list threads failed", err)
			return
		}
		if threads == nil {
			threads = []chat.Thread{}
		}
		writeJSON(w, threads)
	})

	handleGet(mux, "/api/chat/{thread}/messages", func(w http.ResponseWriter, r *http.Request) {
		s := current(w, d)
		if s == nil {
			return
		}
		threadID := r.PathValue("thread")
		if _, ok := participantThread(w, r, s, threadID); !ok {
			return
		}
		msgs, err := s.Chat().History(r.Context(), threadID)
		if err != nil {
			writeError(w, "history failed", err)
			return
		}
		writeJSON(w, msgs)
	})

	handleGet(mux, "/api/chat/{thread}/events", func(w http.ResponseWriter, r *http.Request) {
		s := current(w, d)
		if s == nil {
			return
		}
		threadID := r.PathValue("thread")
		if _, ok := participantThread(w, r, s, threadID); !ok {
			return
		}

		// only the newest history matters; a slow client skips intermediate ones
		updates := make(chan []chat.Message, 1)
		cancel, err := s.Chat().Subscribe(r.Context(), threadID, func(msgs []chat.Message) {
			select {
			case <-updates:
			default:
			}
			updates <- msgs
		})
		if err != nil {
			writeError(w, "subscribe failed", err)
			return
		}
		defer cancel()

		flusher, ok := startSSE(w)
		if !ok {
			return
		}
		for {
			select {
			case <-r.Context().Done():
				return
			case msgs := <-updates:
				if writeEvent(w, flusher, "messages", msgs) != nil {
					return
				}
			}
		}
	})

	handleDelete(mux, "/api/chat/{thread}", func(w http.ResponseWriter, r *http.Request) {
		s := current(w, d)
		if s == nil {
			return
		}
		threadID := r.PathValue("thread")
		if _, ok := participantThread(w, r, s, threadID); !ok {
			return
		}
		if err := s.Chat().DeleteThread(r.Context(), threadID); err != nil {
			writeError(w, "delete failed", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted", "thread_id": threadID})
	})
}

// participantThread loads the thread and checks that the user takes part in
// it.
func participantThread(w http.ResponseWriter, r *http.Request, s Session, threadID string) (chat.Thread, bool) {
	if threadID == "" {
		http.Error(w, "missing thread_id", http.StatusBadRequest)
		return chat.Thread{}, false
	}
	t, err := s.Chat().GetThread(r.Context(), threadID)
	if errors.Is(err, docstore.ErrNotFound) {
		http.Error(w, "thread not found", http.StatusNotFound)
		return chat.Thread{}, false
	}
	if err != nil {
		writeError(w, "load thread failed", err)
		return chat.Thread{}, false
	}
	self := s.Self().ID
	if t.CounselorID != self && t.StudentID != self {
		http.Error(w, "not a participant", http.StatusForbidden)
		return chat.Thread{}, false
	}
	return t, true
}
