package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/offmesh/offmesh/internal/store"
)

// Broadcast addresses every reachable peer.
const Broadcast = "broadcast"

// PacketType tags the payload carried by a packet on the wire.
type PacketType string

const (
	TypeChatMessage      PacketType = "chat_message"
	TypeMessageEdit      PacketType = "message_edit"
	TypeMessageDelete    PacketType = "message_delete"
	TypeGroupInvite      PacketType = "group_invite"
	TypeGroupJoinAck     PacketType = "group_join_ack"
	TypeImageMetadata    PacketType = "image_metadata"
	TypeImageChunk       PacketType = "image_chunk"
	TypeSessionOffer     PacketType = "session_offer"
	TypeSessionAnswer    PacketType = "session_answer"
	TypeSessionCandidate PacketType = "session_candidate"
	TypeSessionEnd       PacketType = "session_end"
)

// Body is the closed set of packet payloads. Only types in this package
// implement it.
type Body interface {
	Type() PacketType
	validate() error
}

// Packet is one unit of mesh traffic. Packets are values: relaying produces a
// copy with a lower TTL and never mutates the received instance.
type Packet struct {
	ID        string
	From      string
	To        string
	TTL       int
	Timestamp time.Time
	Body      Body
}

// NewPacket stamps a fresh identity and creation time.
func NewPacket(from, to string, ttl int, body Body) Packet {
	return Packet{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		TTL:       ttl,
		Timestamp: time.Now(),
		Body:      body,
	}
}

// Type returns the payload tag, or "" for a packet without a body.
func (p Packet) Type() PacketType {
	if p.Body == nil {
		return ""
	}
	return p.Body.Type()
}

// WithTTL returns a copy of p carrying ttl.
func (p Packet) WithTTL(ttl int) Packet {
	cp := p
	cp.TTL = ttl
	return cp
}

// ChatMessage carries text, links and inline images.
type ChatMessage struct {
	Body      string            `json:"body"`
	Kind      store.ContentKind `json:"kind"`
	GroupID   string            `json:"group_id,omitempty"`
	MIME      string            `json:"mime,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	OriginTTL int               `json:"origin_ttl"`
}

func (ChatMessage) Type() PacketType { return TypeChatMessage }

func (b ChatMessage) validate() error {
	if !b.Kind.Valid() || b.Kind == store.KindImageFile {
		return fmt.Errorf("invalid content kind %q", b.Kind)
	}
	if b.Kind == store.KindImageInline && len(b.Data) == 0 {
		return errors.New("inline image without data")
	}
	return nil
}

// MessageEdit replaces the body of an earlier message. The edit's version is
// the creation time of the edit packet.
type MessageEdit struct {
	TargetID string `json:"target_id"`
	Body     string `json:"body"`
}

func (MessageEdit) Type() PacketType { return TypeMessageEdit }

func (b MessageEdit) validate() error {
	if b.TargetID == "" {
		return errors.New("target id required")
	}
	return nil
}

// MessageDelete tombstones an earlier message.
type MessageDelete struct {
	TargetID string `json:"target_id"`
}

func (MessageDelete) Type() PacketType { return TypeMessageDelete }

func (b MessageDelete) validate() error {
	if b.TargetID == "" {
		return errors.New("target id required")
	}
	return nil
}

// GroupInvite hands a group record to an invitee. Password material is the
// argon2id salt and hash, never the password.
type GroupInvite struct {
	GroupID      string   `json:"group_id"`
	Name         string   `json:"name"`
	Creator      string   `json:"creator"`
	Members      []string `json:"members"`
	PasswordSalt []byte   `json:"password_salt,omitempty"`
	PasswordHash []byte   `json:"password_hash,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

func (GroupInvite) Type() PacketType { return TypeGroupInvite }

func (b GroupInvite) validate() error {
	if b.GroupID == "" {
		return errors.New("group id required")
	}
	if (len(b.PasswordHash) == 0) != (len(b.PasswordSalt) == 0) {
		return errors.New("password salt and hash must be sent together")
	}
	return nil
}

func (b GroupInvite) group() store.Group {
	return store.Group{
		ID:           b.GroupID,
		Name:         b.Name,
		Creator:      b.Creator,
		Members:      append([]string(nil), b.Members...),
		PasswordSalt: append([]byte(nil), b.PasswordSalt...),
		PasswordHash: append([]byte(nil), b.PasswordHash...),
		CreatedAt:    time.UnixMilli(b.CreatedAt),
	}
}

func inviteFromGroup(g store.Group) GroupInvite {
	return GroupInvite{
		GroupID:      g.ID,
		Name:         g.Name,
		Creator:      g.Creator,
		Members:      append([]string(nil), g.Members...),
		PasswordSalt: append([]byte(nil), g.PasswordSalt...),
		PasswordHash: append([]byte(nil), g.PasswordHash...),
		CreatedAt:    g.CreatedAt.UnixMilli(),
	}
}

// GroupJoinAck announces a new member to the rest of the group.
type GroupJoinAck struct {
	GroupID string `json:"group_id"`
	Member  string `json:"member"`
}

func (GroupJoinAck) Type() PacketType { return TypeGroupJoinAck }

func (b GroupJoinAck) validate() error {
	if b.GroupID == "" || b.Member == "" {
		return errors.New("group id and member required")
	}
	return nil
}

// ChunkMeta describes the logical message a chunked transfer assembles into.
type ChunkMeta struct {
	From    string `json:"from"`
	To      string `json:"to"`
	GroupID string `json:"group_id,omitempty"`
	MIME    string `json:"mime"`
	Size    int    `json:"size"`
	TS      int64  `json:"ts"`
}

// MaxTotalChunks bounds the chunk count any transfer may announce. The
// engine applies a tighter limit derived from its image size cap.
const MaxTotalChunks = 1 << 16

// ImageMetadata announces a chunked image before (or alongside) its chunks.
type ImageMetadata struct {
	MessageID   string    `json:"message_id"`
	TotalChunks int       `json:"total_chunks"`
	Meta        ChunkMeta `json:"meta"`
}

func (ImageMetadata) Type() PacketType { return TypeImageMetadata }

func (b ImageMetadata) validate() error {
	if b.MessageID == "" {
		return errors.New("message id required")
	}
	if b.TotalChunks <= 0 || b.TotalChunks > MaxTotalChunks {
		return fmt.Errorf("invalid total chunks %d", b.TotalChunks)
	}
	return nil
}

// ImageChunk is one slice of a chunked image. Chunk 0 also carries Meta.
type ImageChunk struct {
	MessageID   string     `json:"message_id"`
	ChunkIndex  int        `json:"chunk_index"`
	TotalChunks int        `json:"total_chunks"`
	Data        []byte     `json:"data"`
	Meta        *ChunkMeta `json:"meta,omitempty"`
}

func (ImageChunk) Type() PacketType { return TypeImageChunk }

func (b ImageChunk) validate() error {
	if b.MessageID == "" {
		return errors.New("message id required")
	}
	if b.TotalChunks <= 0 || b.TotalChunks > MaxTotalChunks {
		return fmt.Errorf("invalid total chunks %d", b.TotalChunks)
	}
	if b.ChunkIndex < 0 || b.ChunkIndex >= b.TotalChunks {
		return fmt.Errorf("chunk index %d out of range for %d chunks", b.ChunkIndex, b.TotalChunks)
	}
	if b.ChunkIndex == 0 && b.Meta == nil {
		return errors.New("chunk 0 must carry metadata")
	}
	return nil
}

// SessionOffer invites a peer to a real-time session.
type SessionOffer struct {
	SessionID string `json:"session_id"`
	Video     bool   `json:"video"`
	LinkHint  string `json:"link_hint,omitempty"`
}

func (SessionOffer) Type() PacketType { return TypeSessionOffer }
func (b SessionOffer) validate() error { return requireSession(b.SessionID) }

// SessionAnswer accepts or rejects an offer.
type SessionAnswer struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

func (SessionAnswer) Type() PacketType { return TypeSessionAnswer }
func (b SessionAnswer) validate() error { return requireSession(b.SessionID) }

// SessionCandidate tells the responder which direct-link group to join.
type SessionCandidate struct {
	SessionID string `json:"session_id"`
	LinkHint  string `json:"link_hint,omitempty"`
}

func (SessionCandidate) Type() PacketType { return TypeSessionCandidate }
func (b SessionCandidate) validate() error { return requireSession(b.SessionID) }

// SessionEnd cancels a session at any stage.
type SessionEnd struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

func (SessionEnd) Type() PacketType { return TypeSessionEnd }
func (b SessionEnd) validate() error { return requireSession(b.SessionID) }

func requireSession(id string) error {
	if id == "" {
		return errors.New("session id required")
	}
	return nil
}

type envelope struct {
	Type    PacketType      `json:"type"`
	ID      string          `json:"id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	TTL     int             `json:"ttl"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Encode renders p in the JSON wire format.
func Encode(p Packet) ([]byte, error) {
	if p.Body == nil {
		return nil, errors.New("packet body required")
	}
	payload, err := json.Marshal(p.Body)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Body.Type(), err)
	}
	return json.Marshal(envelope{
		Type:    p.Body.Type(),
		ID:      p.ID,
		From:    p.From,
		To:      p.To,
		TTL:     p.TTL,
		TS:      p.Timestamp.UnixMilli(),
		Payload: payload,
	})
}

// Decode parses wire bytes. Every failure is a *DropError.
func Decode(data []byte) (Packet, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Packet{}, dropf(ReasonMalformed, "decode envelope: %v", err)
	}
	if env.ID == "" || env.From == "" || env.To == "" {
		return Packet{}, dropf(ReasonMalformed, "missing header field")
	}
	if env.TTL < 0 {
		return Packet{}, dropf(ReasonMalformed, "negative ttl %d", env.TTL)
	}

	var body Body
	var err error
	switch env.Type {
	case TypeChatMessage:
		body, err = decodeBody[ChatMessage](env.Payload)
	case TypeMessageEdit:
		body, err = decodeBody[MessageEdit](env.Payload)
	case TypeMessageDelete:
		body, err = decodeBody[MessageDelete](env.Payload)
	case TypeGroupInvite:
		body, err = decodeBody[GroupInvite](env.Payload)
	case TypeGroupJoinAck:
		body, err = decodeBody[GroupJoinAck](env.Payload)
	case TypeImageMetadata:
		body, err = decodeBody[ImageMetadata](env.Payload)
	case TypeImageChunk:
		body, err = decodeBody[ImageChunk](env.Payload)
	case TypeSessionOffer:
		body, err = decodeBody[SessionOffer](env.Payload)
	case TypeSessionAnswer:
		body, err = decodeBody[SessionAnswer](env.Payload)
	case TypeSessionCandidate:
		body, err = decodeBody[SessionCandidate](env.Payload)
	case TypeSessionEnd:
		body, err = decodeBody[SessionEnd](env.Payload)
	default:
		return Packet{}, dropf(ReasonUnknownType, "unknown packet type %q", env.Type)
	}
	if err != nil {
		return Packet{}, dropf(ReasonMalformed, "decode %s payload: %v", env.Type, err)
	}
	if err := body.validate(); err != nil {
		return Packet{}, dropf(ReasonInvalid, "%s: %v", env.Type, err)
	}

	return Packet{
		ID:        env.ID,
		From:      env.From,
		To:        env.To,
		TTL:       env.TTL,
		Timestamp: time.UnixMilli(env.TS),
		Body:      body,
	}, nil
}

func decodeBody[T Body](raw json.RawMessage) (Body, error) {
	var b T
	if len(raw) == 0 {
		return nil, errors.New("payload missing")
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return b, nil
}
