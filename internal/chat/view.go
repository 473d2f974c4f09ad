package chat

import (
	"context"
	"sync"
)

// View is the displayed message list of one thread: the messages confirmed
// by the subscription, followed by local sends that have not been echoed
// yet. The subscription is authoritative: a pending entry disappears as soon
// as a confirmed message with the same ID arrives, or when its send fails.
type View struct {
	mu        sync.Mutex
	confirmed []Message
	pending   []Message

	// notifyMu serializes onChange so lists arrive in the order they were built.
	notifyMu sync.Mutex
	onChange func([]Message)
}

// NewView creates an empty view. onChange, if set, receives the merged list
// after every change. Calls come from the sending goroutine and the
// subscription goroutine but never overlap, and a later call never carries an
// older list. onChange must not modify the view.
func NewView(onChange func([]Message)) *View {
	return &View{onChange: onChange}
}

// Confirm replaces the confirmed list with a subscription delivery. It is
// meant to be passed as the onMessages callback of Manager.Subscribe.
func (v *View) Confirm(msgs []Message) {
	v.mu.Lock()
	v.confirmed = append([]Message(nil), msgs...)
	ids := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		ids[m.ID] = true
	}
	kept := v.pending[:0]
	for _, p := range v.pending {
		if !ids[p.ID] {
			kept = append(kept, p)
		}
	}
	v.pending = kept
	v.mu.Unlock()
	v.notify()
}

// AddPending shows msg before the store has confirmed it.
func (v *View) AddPending(msg Message) {
	msg.Pending = true
	v.mu.Lock()
	for _, c := range v.confirmed {
		if c.ID == msg.ID {
			v.mu.Unlock()
			return
		}
	}
	v.pending = append(v.pending, msg)
	v.mu.Unlock()
	v.notify()
}

// Fail withdraws a pending message whose send failed.
func (v *View) Fail(id string) {
	v.mu.Lock()
	for i, p := range v.pending {
		if p.ID == id {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
			break
		}
	}
	v.mu.Unlock()
	v.notify()
}

// Messages returns confirmed messages followed by pending ones.
func (v *View) Messages() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Message, 0, len(v.confirmed)+len(v.pending))
	out = append(out, v.confirmed...)
	return append(out, v.pending...)
}

// Send shows the message optimistically and stores it through m.
func (v *View) Send(ctx context.Context, m *Manager, threadID, senderID, senderName, content string) (Message, error) {
	msg := NewOutgoing(threadID, senderID, senderName, content)
	v.AddPending(msg)
	sent, err := m.SendMessage(ctx, msg)
	if err != nil {
		v.Fail(msg.ID)
		return Message{}, err
	}
	return sent, nil
}

func (v *View) notify() {
	if v.onChange == nil {
		return
	}
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()
	v.onChange(v.Messages())
}
