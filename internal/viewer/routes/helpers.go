// internal/viewer/routes/helpers.go
package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/petervdpas/counselcall/internal/call"
	"github.com/petervdpas/counselcall/internal/chat"
	"github.com/petervdpas/counselcall/internal/docstore"
)

const maxBody = 64 << 10

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("bad request body: %v", err), http.StatusBadRequest)
		return err
	}
	return nil
}

func handleGet(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc("GET "+pattern, fn)
}

func handleDelete(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc("DELETE "+pattern, fn)
}

// handlePost decodes the JSON body into Req before calling fn.
func handlePost[Req any](mux *http.ServeMux, pattern string, fn func(http.ResponseWriter, *http.Request, Req)) {
	mux.HandleFunc("POST "+pattern, func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

// current returns the signed-in session or answers 503.
func current(w http.ResponseWriter, d Deps) Session {
	var s Session
	if d.Session != nil {
		s = d.Session()
	}
	if s == nil {
		http.Error(w, "not signed in", http.StatusServiceUnavailable)
	}
	return s
}

// statusFor maps package errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, docstore.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrMediaAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrCallNotRinging),
		errors.Is(err, chat.ErrThreadClosed), errors.Is(err, docstore.ErrPreconditionFailed):
		return http.StatusConflict
	case errors.Is(err, call.ErrDeviceUnavailable), errors.Is(err, docstore.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, call.ErrSignalingWrite), errors.Is(err, chat.ErrSendFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, what string, err error) {
	http.Error(w, fmt.Sprintf("%s: %v", what, err), statusFor(err))
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// startSSE writes the stream headers and a connected event.
func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	sseHeaders(w)
	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()
	return flusher, true
}

func writeEvent(w http.ResponseWriter, f http.Flusher, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	f.Flush()
	return nil
}
