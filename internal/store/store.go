package store

import (
	"context"
	"errors"
	"math"
	"time"
)

// ContentKind tells clients how to render a message body.
type ContentKind string

const (
	KindText        ContentKind = "text"
	KindImageInline ContentKind = "image_inline"
	KindImageFile   ContentKind = "image_file"
	KindLink        ContentKind = "link"
)

// Valid reports whether k is a known content kind.
func (k ContentKind) Valid() bool {
	switch k {
	case KindText, KindImageInline, KindImageFile, KindLink:
		return true
	}
	return false
}

// TombstoneVersion is stamped on deleted messages so that no later edit can
// ever win against a delete, whatever order they arrive in.
const TombstoneVersion int64 = math.MaxInt64

var (
	ErrNotFound       = errors.New("not found")
	ErrUnknownMessage = errors.New("target message unknown")
)

// Message is a chat message as stored on this device.
type Message struct {
	ID         string      `json:"id"`
	From       string      `json:"from"`
	To         string      `json:"to"`
	GroupID    string      `json:"group_id,omitempty"`
	Body       string      `json:"body"`
	Kind       ContentKind `json:"kind"`
	MIME       string      `json:"mime,omitempty"`
	Attachment []byte      `json:"attachment,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	TTL        int         `json:"ttl"`
	Version    int64       `json:"version"`
	Relayed    bool        `json:"relayed"`
	Edited     bool        `json:"edited"`
	Deleted    bool        `json:"deleted"`
}

// OpType enumerates message mutations.
type OpType int

const (
	OpCreate OpType = iota + 1
	OpEdit
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpCreate:
		return "create"
	case OpEdit:
		return "edit"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// MessageOp is one idempotent mutation keyed by message identity.
type MessageOp struct {
	Type     OpType
	Message  Message // OpCreate only
	TargetID string  // OpEdit / OpDelete
	Body     string  // OpEdit
	Version  int64   // OpEdit / OpDelete
}

// ID returns the message identity the op is keyed by.
func (op MessageOp) ID() string {
	if op.Type == OpCreate {
		return op.Message.ID
	}
	return op.TargetID
}

// Group is a named set of members. Passwords are kept as argon2id material.
type Group struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Creator      string    `json:"creator"`
	Members      []string  `json:"members"`
	PasswordSalt []byte    `json:"password_salt,omitempty"`
	PasswordHash []byte    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Protected reports whether joining needs a password.
func (g Group) Protected() bool {
	return len(g.PasswordHash) > 0
}

// HasMember reports whether user is in the member set.
func (g Group) HasMember(user string) bool {
	for _, m := range g.Members {
		if m == user {
			return true
		}
	}
	return false
}

// Store is the persistence collaborator consumed by mesh deliveries.
type Store interface {
	// ApplyMessage applies op idempotently. It reports whether state changed and
	// returns ErrUnknownMessage when an edit/delete targets a missing message.
	ApplyMessage(ctx context.Context, op MessageOp) (bool, error)
	Message(ctx context.Context, id string) (Message, error)
	// Conversation lists messages of a group (key = group id) or of a direct
	// conversation with a user (key = username), oldest first.
	Conversation(ctx context.Context, key string) ([]Message, error)

	SaveGroup(ctx context.Context, g Group) error
	Group(ctx context.Context, id string) (Group, error)
	Groups(ctx context.Context) ([]Group, error)
	AddMember(ctx context.Context, groupID, user string) (bool, error)
	RemoveMember(ctx context.Context, groupID, user string) (bool, error)
	IsMember(ctx context.Context, groupID, user string) (bool, error)

	Close() error
}

// Apply computes the result of op against the current stored message (nil
// when absent). Rules:
//   - create on an existing id is a no-op
//   - edit applies only to a live message with a strictly newer version
//   - delete is a sticky tombstone
func Apply(cur *Message, op MessageOp) (Message, bool, error) {
	switch op.Type {
	case OpCreate:
		if cur != nil {
			return *cur, false, nil
		}
		return cloneMessage(op.Message), true, nil
	case OpEdit:
		if cur == nil {
			return Message{}, false, ErrUnknownMessage
		}
		if cur.Deleted || op.Version <= cur.Version {
			return *cur, false, nil
		}
		next := cloneMessage(*cur)
		next.Body = op.Body
		next.Edited = true
		next.Version = op.Version
		return next, true, nil
	case OpDelete:
		if cur == nil {
			return Message{}, false, ErrUnknownMessage
		}
		if cur.Deleted {
			return *cur, false, nil
		}
		next := cloneMessage(*cur)
		next.Deleted = true
		next.Edited = false
		next.Body = ""
		next.Attachment = nil
		next.MIME = ""
		next.Version = TombstoneVersion
		return next, true, nil
	default:
		return Message{}, false, errors.New("unsupported message op")
	}
}

func inConversation(m Message, key string) bool {
	if m.GroupID != "" {
		return m.GroupID == key
	}
	return m.From == key || m.To == key
}

func cloneMessage(in Message) Message {
	cp := in
	cp.Attachment = append([]byte(nil), in.Attachment...)
	if len(in.Attachment) == 0 {
		cp.Attachment = nil
	}
	return cp
}

func cloneGroup(in Group) Group {
	cp := in
	cp.Members = append([]string(nil), in.Members...)
	cp.PasswordSalt = append([]byte(nil), in.PasswordSalt...)
	cp.PasswordHash = append([]byte(nil), in.PasswordHash...)
	return cp
}
