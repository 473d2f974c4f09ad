// Package hub serves a docstore over a websocket and provides the matching
// remote Store used by peers.
package hub

import (
	"errors"
	"fmt"

	"github.com/petervdpas/counselcall/internal/docstore"
)

// ── Request ops ──────────────────────────────────────────────────────────────
const (
	OpGet        = "get"
	OpQuery      = "query"
	OpCommit     = "commit"
	OpWatchDoc   = "watch_doc"
	OpWatchQuery = "watch_query"
	OpUnwatch    = "unwatch"
)

// ── Frame types (server → client) ────────────────────────────────────────────
const (
	FrameResult = "result" // reply to a request, matched by ID
	FrameDoc    = "doc"    // document snapshot, matched by Sub
	FrameQuery  = "query"  // query snapshot, matched by Sub
)

// Request is sent by the client. Sub names a subscription; it is chosen by
// the client so that it survives reconnects.
type Request struct {
	ID     uint64           `json:"id"`
	Op     string           `json:"op"`
	Sub    uint64           `json:"sub,omitempty"`
	Path   string           `json:"path,omitempty"`
	Query  *docstore.Query  `json:"query,omitempty"`
	Writes []docstore.Write `json:"writes,omitempty"`
}

// Frame is sent by the server.
//
// A query subscription first receives a frame with Initial set and the full
// result in Docs; later frames carry only Changes.
type Frame struct {
	Type    string               `json:"type"`
	ID      uint64               `json:"id,omitempty"`
	Sub     uint64               `json:"sub,omitempty"`
	Path    string               `json:"path,omitempty"`
	Doc     *docstore.Document   `json:"doc,omitempty"`
	Docs    []*docstore.Document `json:"docs,omitempty"`
	Changes []docstore.Change    `json:"changes,omitempty"`
	Initial bool                 `json:"initial,omitempty"`
	Error   *WireError           `json:"error,omitempty"`
}

// WireError carries a docstore error across the socket.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorCodes = []struct {
	code string
	err  error
}{
	{"not_found", docstore.ErrNotFound},
	{"already_exists", docstore.ErrAlreadyExists},
	{"precondition_failed", docstore.ErrPreconditionFailed},
	{"invalid_argument", docstore.ErrInvalidArgument},
	{"conflict", docstore.ErrConflict},
	{"unavailable", docstore.ErrUnavailable},
	{"subscription_lost", docstore.ErrSubscriptionLost},
	{"closed", docstore.ErrClosed},
}

func toWire(err error) *WireError {
	if err == nil {
		return nil
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return &WireError{Code: e.code, Message: err.Error()}
		}
	}
	return &WireError{Code: "internal", Message: err.Error()}
}

func fromWire(w *WireError) error {
	if w == nil {
		return nil
	}
	for _, e := range errorCodes {
		if e.code == w.Code {
			return fmt.Errorf("%w (hub: %s)", e.err, w.Message)
		}
	}
	return fmt.Errorf("hub: %s", w.Message)
}
