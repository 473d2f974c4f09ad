package chat

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/petervdpas/counselcall/internal/docstore"
)

// Collection layout: chats/{threadID} holds the thread, and
// chats/{threadID}/messages/{messageID} its messages.
const (
	threadsCollection  = "chats"
	messagesCollection = "messages"
)

// Thread document fields.
const (
	fieldCounselorID = "counselorId"
	fieldStudentID   = "studentId"
	fieldPairKey     = "pairKey"
	fieldCreatedAt   = "createdAt"
	fieldOrphanOf    = "orphanOf"
	fieldClosedAt    = "closedAt"
)

// Message document fields.
const (
	fieldSenderID   = "senderId"
	fieldSenderName = "senderName"
	fieldContent    = "content"
	fieldTimestamp  = "timestamp"
)

// Thread is the conversation of one counselor/student pair.
type Thread struct {
	ID          string `json:"id"`
	CounselorID string `json:"counselorId"`
	StudentID   string `json:"studentId"`
	PairKey     string `json:"pairKey"`
	CreatedAt   int64  `json:"createdAt"` // unix ms, store assigned
	// OrphanOf is set on a duplicate thread and names the thread used instead.
	OrphanOf string `json:"orphanOf,omitempty"`
	ClosedAt int64  `json:"closedAt,omitempty"`
	Seq      int64  `json:"-"`
}

// Usable reports whether new messages may be sent into the thread.
func (t Thread) Usable() bool {
	return t.OrphanOf == "" && t.ClosedAt == 0
}

// Message is one entry of a thread. IDs are generated by the sender so that
// an optimistic local copy can be matched with the stored one.
type Message struct {
	ID         string `json:"id"`
	ThreadID   string `json:"threadId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"` // unix ms, store assigned; 0 while pending
	Pending    bool   `json:"pending,omitempty"`
	Seq        int64  `json:"-"`
}

// NewOutgoing prepares a message for SendMessage.
func NewOutgoing(threadID, senderID, senderName, content string) Message {
	return Message{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
	}
}

// PairKey identifies the unordered pair of participants.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

func threadPath(id string) string {
	return docstore.Join(threadsCollection, id)
}

func messagesPath(threadID string) string {
	return docstore.Join(threadsCollection, threadID, messagesCollection)
}

func messagePath(threadID, id string) string {
	return docstore.Join(threadsCollection, threadID, messagesCollection, id)
}

func threadFromDoc(d *docstore.Document) Thread {
	t := Thread{
		ID:          d.ID,
		CounselorID: d.String(fieldCounselorID),
		StudentID:   d.String(fieldStudentID),
		PairKey:     d.String(fieldPairKey),
		OrphanOf:    d.String(fieldOrphanOf),
		Seq:         d.Seq,
	}
	if ts, ok := docstore.Millis(d.Data[fieldCreatedAt]); ok {
		t.CreatedAt = ts.UnixMilli()
	}
	if ts, ok := docstore.Millis(d.Data[fieldClosedAt]); ok {
		t.ClosedAt = ts.UnixMilli()
	}
	return t
}

func messageFromDoc(threadID string, d *docstore.Document) Message {
	m := Message{
		ID:         d.ID,
		ThreadID:   threadID,
		SenderID:   d.String(fieldSenderID),
		SenderName: d.String(fieldSenderName),
		Content:    d.String(fieldContent),
		Seq:        d.Seq,
	}
	if ts, ok := docstore.Millis(d.Data[fieldTimestamp]); ok {
		m.Timestamp = ts.UnixMilli()
	}
	return m
}

// threadBefore orders threads by creation: timestamp, then store sequence.
func threadBefore(a, b Thread) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.Seq < b.Seq
}
