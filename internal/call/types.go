package call

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/counselcall/internal/docstore"
)

// ── Call document schema ─────────────────────────────────────────────────────

const (
	collCalls              = "calls"
	collCallerCandidates   = "callerCandidates"
	collReceiverCandidates = "receiverCandidates"

	fieldCallerID     = "callerId"
	fieldReceiverID   = "receiverId"
	fieldCallerName   = "callerName"
	fieldReceiverName = "receiverName"
	fieldStatus       = "status"
	fieldOffer        = "offer"
	fieldAnswer       = "answer"
	fieldCreatedAt    = "createdAt"
	fieldUpdatedAt    = "updatedAt"
	fieldEndedBy      = "endedBy"
	fieldReason       = "reason"
)

// End reasons written to the call document.
const (
	ReasonHangup           = "hangup"
	ReasonDeclined         = "declined"
	ReasonBusy             = "busy"
	ReasonNoAnswer         = "no_answer"
	ReasonConnectionFailed = "connection_failed"
	ReasonMediaUnavailable = "media_unavailable"
	ReasonSignalingFailed  = "signaling_failed"
	ReasonRemoteEnded      = "remote_ended"
	ReasonSubscriptionLost = "subscription_lost"
)

func callPath(callID string) string { return docstore.Join(collCalls, callID) }

func candidatesPath(callID, coll string) string {
	return docstore.Join(collCalls, callID, coll)
}

// ── Status ───────────────────────────────────────────────────────────────────

// Status is the stored state of a call. Transitions only move forward.
type Status string

const (
	StatusIdle     Status = "idle" // local only, never stored
	StatusCalling  Status = "calling"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
	StatusInCall   Status = "in_call"
	StatusEnded    Status = "ended"
)

var transitions = map[Status][]Status{
	StatusIdle:     {StatusCalling},
	StatusCalling:  {StatusAccepted, StatusDeclined, StatusEnded},
	StatusAccepted: {StatusInCall, StatusEnded},
	StatusInCall:   {StatusEnded},
}

// CanTransition reports whether a call in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusEnded
}

// predecessors lists the stored statuses a write of next may start from.
// It is the store-side half of CanTransition.
func predecessors(next Status) []any {
	var out []any
	for _, from := range []Status{StatusCalling, StatusAccepted, StatusInCall} {
		if from.CanTransition(next) {
			out = append(out, string(from))
		}
	}
	return out
}

// transitionTo guards a status write so that a stale client cannot move the
// call backwards.
func transitionTo(next Status) docstore.Precondition {
	return docstore.FieldIn(fieldStatus, predecessors(next)...)
}

// ── Once ─────────────────────────────────────────────────────────────────────

// Once holds a value that can be set only from unset. It guards every
// "apply once" step of the handshake.
type Once[T any] struct {
	mu  sync.Mutex
	v   T
	set bool
}

// Set stores v if nothing was stored yet and reports whether it did.
func (o *Once[T]) Set(v T) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.set {
		return false
	}
	o.v, o.set = v, true
	return true
}

// Get returns the stored value and whether one was set.
func (o *Once[T]) Get() (T, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.v, o.set
}

// IsSet reports whether a value was stored.
func (o *Once[T]) IsSet() bool {
	_, ok := o.Get()
	return ok
}

// ── Wire values ──────────────────────────────────────────────────────────────

func descriptionFields(sd webrtc.SessionDescription) map[string]any {
	return map[string]any{"type": sd.Type.String(), "sdp": sd.SDP}
}

func descriptionFrom(v any) (webrtc.SessionDescription, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return webrtc.SessionDescription{}, false
	}
	typ, _ := m["type"].(string)
	sdp, _ := m["sdp"].(string)
	t := webrtc.NewSDPType(typ)
	if t == webrtc.SDPTypeUnknown || sdp == "" {
		return webrtc.SessionDescription{}, false
	}
	return webrtc.SessionDescription{Type: t, SDP: sdp}, true
}

type candidateRecord struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment"`
}

func candidateFields(c webrtc.ICECandidateInit) docstore.Fields {
	return docstore.Fields{
		"candidate":        c.Candidate,
		"sdpMid":           c.SDPMid,
		"sdpMLineIndex":    c.SDPMLineIndex,
		"usernameFragment": c.UsernameFragment,
		fieldCreatedAt:     docstore.ServerTimestamp,
	}
}

func candidateFrom(d *docstore.Document) (webrtc.ICECandidateInit, bool) {
	var r candidateRecord
	if err := d.DataTo(&r); err != nil || r.Candidate == "" {
		return webrtc.ICECandidateInit{}, false
	}
	return webrtc.ICECandidateInit{
		Candidate:        r.Candidate,
		SDPMid:           r.SDPMid,
		SDPMLineIndex:    r.SDPMLineIndex,
		UsernameFragment: r.UsernameFragment,
	}, true
}

// ── Public values ────────────────────────────────────────────────────────────

// Invitation is what a dashboard needs to open the call screen.
type Invitation struct {
	CallID   string `json:"call_id"`
	IsCaller bool   `json:"is_caller"`
	SelfID   string `json:"self_id"`
	PeerID   string `json:"peer_id"`
	PeerName string `json:"peer_name,omitempty"`
}

// IncomingCall describes a call ringing for the local user.
type IncomingCall struct {
	CallID     string    `json:"call_id"`
	CallerID   string    `json:"caller_id"`
	CallerName string    `json:"caller_name"`
	CreatedAt  time.Time `json:"created_at"`
}

func incomingFromDoc(d *docstore.Document) IncomingCall {
	ic := IncomingCall{
		CallID:     d.ID,
		CallerID:   d.String(fieldCallerID),
		CallerName: d.String(fieldCallerName),
	}
	if t, ok := docstore.Millis(d.Data[fieldCreatedAt]); ok {
		ic.CreatedAt = t
	}
	return ic
}

// State is a point-in-time view of a Session, pushed to its subscribers.
type State struct {
	CallID   string `json:"call_id"`
	Status   Status `json:"status"`
	IsCaller bool   `json:"is_caller"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	Muted    bool   `json:"muted"`
	VideoOff bool   `json:"video_off"`
	Remote   bool   `json:"remote_media"`
}
