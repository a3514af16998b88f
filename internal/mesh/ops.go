package mesh

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offmesh/offmesh/internal/store"
)

// do runs fn on the loop and waits for it, even past ctx cancellation, so
// results written by fn are safe to read. fn sees ctx and should pass it to
// the store. Never call from the loop.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	var err error
	if callErr := e.loop.Call(context.WithoutCancel(ctx), func() { err = fn() }); callErr != nil {
		return callErr
	}
	return err
}

// SendText originates a direct (or broadcast) text message.
func (e *Engine) SendText(ctx context.Context, to, body string) (store.Message, error) {
	if to == "" || strings.TrimSpace(body) == "" {
		return store.Message{}, fmt.Errorf("%w: recipient and body required", ErrInvalid)
	}
	return e.sendChat(ctx, to, "", ChatMessage{Body: body, Kind: contentKind(body)})
}

// SendGroupText originates a text message to every member of groupID.
func (e *Engine) SendGroupText(ctx context.Context, groupID, body string) (store.Message, error) {
	if groupID == "" || strings.TrimSpace(body) == "" {
		return store.Message{}, fmt.Errorf("%w: group and body required", ErrInvalid)
	}
	return e.sendChat(ctx, groupID, groupID, ChatMessage{Body: body, Kind: contentKind(body), GroupID: groupID})
}

func (e *Engine) sendChat(ctx context.Context, to, groupID string, b ChatMessage) (store.Message, error) {
	var out store.Message
	err := e.do(ctx, func() error {
		if e.suspended {
			return ErrSuspended
		}
		if err := e.requireMember(ctx, groupID); err != nil {
			return err
		}
		b.OriginTTL = e.ttl
		p := NewPacket(e.username, to, e.ttl, b)
		msg := messageFromChat(p, b, false)
		if _, err := e.store.ApplyMessage(ctx, store.MessageOp{Type: store.OpCreate, Message: msg}); err != nil {
			return fmt.Errorf("store message: %w", err)
		}
		out = msg
		return e.originate(p)
	})
	return out, err
}

// SendImage sends data inline when it fits the inline limit, otherwise as a
// chunked transfer. groupID, when set, overrides to.
func (e *Engine) SendImage(ctx context.Context, to, groupID, mime string, data []byte) (store.Message, error) {
	if groupID != "" {
		to = groupID
	}
	if to == "" || len(data) == 0 {
		return store.Message{}, fmt.Errorf("%w: recipient and image data required", ErrInvalid)
	}
	if len(data) > e.maxImageSize {
		return store.Message{}, fmt.Errorf("%w: image of %d bytes exceeds %d", ErrInvalid, len(data), e.maxImageSize)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	if len(data) <= e.inlineLimit {
		return e.sendChat(ctx, to, groupID, ChatMessage{Kind: store.KindImageInline, GroupID: groupID, MIME: mime, Data: data})
	}

	var out store.Message
	err := e.do(ctx, func() error {
		if e.suspended {
			return ErrSuspended
		}
		if err := e.requireMember(ctx, groupID); err != nil {
			return err
		}
		now := e.now()
		msgID := uuid.NewString()
		meta := ChunkMeta{From: e.username, To: to, GroupID: groupID, MIME: mime, Size: len(data), TS: now.UnixMilli()}
		parts := splitChunks(data, e.chunkSize)

		msg := store.Message{
			ID:         msgID,
			From:       e.username,
			To:         to,
			GroupID:    groupID,
			Kind:       store.KindImageFile,
			MIME:       mime,
			Attachment: append([]byte(nil), data...),
			Timestamp:  time.UnixMilli(meta.TS),
			TTL:        e.ttl,
		}
		if _, err := e.store.ApplyMessage(ctx, store.MessageOp{Type: store.OpCreate, Message: msg}); err != nil {
			return fmt.Errorf("store image: %w", err)
		}
		out = msg

		head := Packet{ID: msgID + "/meta", From: e.username, To: to, TTL: e.ttl, Timestamp: now,
			Body: ImageMetadata{MessageID: msgID, TotalChunks: len(parts), Meta: meta}}
		if err := e.originate(head); err != nil {
			return err
		}
		for i, part := range parts {
			c := ImageChunk{MessageID: msgID, ChunkIndex: i, TotalChunks: len(parts), Data: part}
			if i == 0 {
				c.Meta = &meta
			}
			p := Packet{ID: fmt.Sprintf("%s/%d", msgID, i), From: e.username, To: to, TTL: e.ttl, Timestamp: now, Body: c}
			if err := e.originate(p); err != nil {
				return err
			}
		}
		e.log.Debug("image sent in chunks", zap.String("packet_id", msgID), zap.Int("chunks", len(parts)))
		return nil
	})
	return out, err
}

// EditMessage replaces the body of one of our own messages.
func (e *Engine) EditMessage(ctx context.Context, id, body string) (store.Message, error) {
	return e.mutateOwn(ctx, id, func(cur store.Message, ts time.Time) (Body, store.MessageOp) {
		return MessageEdit{TargetID: id, Body: body},
			store.MessageOp{Type: store.OpEdit, TargetID: id, Body: body, Version: ts.UnixMilli()}
	})
}

// DeleteMessage tombstones one of our own messages everywhere it reached.
func (e *Engine) DeleteMessage(ctx context.Context, id string) (store.Message, error) {
	return e.mutateOwn(ctx, id, func(cur store.Message, ts time.Time) (Body, store.MessageOp) {
		return MessageDelete{TargetID: id},
			store.MessageOp{Type: store.OpDelete, TargetID: id, Version: ts.UnixMilli()}
	})
}

func (e *Engine) mutateOwn(ctx context.Context, id string, build func(store.Message, time.Time) (Body, store.MessageOp)) (store.Message, error) {
	var out store.Message
	err := e.do(ctx, func() error {
		if e.suspended {
			return ErrSuspended
		}
		cur, err := e.store.Message(ctx, id)
		if err != nil {
			return err
		}
		if cur.From != e.username {
			return ErrNotAuthor
		}
		if cur.Deleted {
			return fmt.Errorf("%w: message %s is deleted", ErrInvalid, id)
		}
		// Versions come from packet timestamps; keep them strictly increasing
		// for back-to-back local edits.
		ts := e.now()
		if cur.Version < store.TombstoneVersion && ts.UnixMilli() <= cur.Version {
			ts = time.UnixMilli(cur.Version + 1)
		}
		body, op := build(cur, ts)
		if _, err := e.store.ApplyMessage(ctx, op); err != nil {
			return err
		}
		p := Packet{ID: uuid.NewString(), From: e.username, To: cur.To, TTL: e.ttl, Timestamp: ts, Body: body}
		if err := e.originate(p); err != nil {
			return err
		}
		out, err = e.store.Message(ctx, id)
		if err == nil {
			e.events.Publish(Event{Type: EventMessage, Message: &out})
		}
		return err
	})
	return out, err
}

// CreateGroup creates a group with the local user as its only member. An
// empty password leaves the group open.
func (e *Engine) CreateGroup(ctx context.Context, name, password string) (GroupInfo, error) {
	if strings.TrimSpace(name) == "" {
		return GroupInfo{}, fmt.Errorf("%w: group name required", ErrInvalid)
	}
	salt, hash, err := store.HashPassword(password)
	if err != nil {
		return GroupInfo{}, err
	}
	g := store.Group{
		ID:           uuid.NewString(),
		Name:         name,
		Creator:      e.username,
		Members:      []string{e.username},
		PasswordSalt: salt,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	var info GroupInfo
	err = e.do(ctx, func() error {
		if err := e.store.SaveGroup(ctx, g); err != nil {
			return fmt.Errorf("save group: %w", err)
		}
		var perr error
		info, perr = e.publishGroup(ctx, g.ID)
		return perr
	})
	return info, err
}

// InviteToGroup sends the group record to user.
func (e *Engine) InviteToGroup(ctx context.Context, groupID, user string) error {
	if groupID == "" || user == "" || user == Broadcast {
		return fmt.Errorf("%w: group and invitee required", ErrInvalid)
	}
	return e.do(ctx, func() error {
		if e.suspended {
			return ErrSuspended
		}
		g, err := e.store.Group(ctx, groupID)
		if err != nil {
			return err
		}
		if !g.HasMember(e.username) {
			return ErrNotMember
		}
		return e.originate(NewPacket(e.username, user, e.ttl, inviteFromGroup(g)))
	})
}

// JoinGroup answers a join challenge for a password-protected group.
func (e *Engine) JoinGroup(ctx context.Context, groupID, password string) (GroupInfo, error) {
	var ch challenge
	err := e.do(ctx, func() error {
		var ok bool
		ch, ok = e.challenges[groupID]
		if !ok {
			return ErrNoChallenge
		}
		return nil
	})
	if err != nil {
		return GroupInfo{}, err
	}
	// argon2 runs off the loop.
	g := ch.invite.group()
	if !store.CheckPassword(g, password) {
		return GroupInfo{}, ErrBadPassword
	}

	var info GroupInfo
	err = e.do(ctx, func() error {
		if e.suspended {
			return ErrSuspended
		}
		var err error
		info, err = e.joinGroup(ctx, g)
		return err
	})
	return info, err
}

// LeaveGroup drops local membership. Other members are not told.
func (e *Engine) LeaveGroup(ctx context.Context, groupID string) error {
	return e.do(ctx, func() error {
		removed, err := e.store.RemoveMember(ctx, groupID, e.username)
		if err != nil {
			return err
		}
		if !removed {
			return ErrNotMember
		}
		_, err = e.publishGroup(ctx, groupID)
		return err
	})
}

// Challenges lists invites waiting for a password.
func (e *Engine) Challenges(ctx context.Context) ([]JoinChallenge, error) {
	var out []JoinChallenge
	err := e.do(ctx, func() error {
		for id, ch := range e.challenges {
			out = append(out, JoinChallenge{GroupID: id, Name: ch.invite.Name, InvitedBy: ch.from})
		}
		return nil
	})
	return out, err
}

// Peers returns the current neighbour table.
func (e *Engine) Peers() []Peer {
	return e.peers.Snapshot()
}

// SetPeerRole updates a neighbour's role hint.
func (e *Engine) SetPeerRole(peerID string, role Role) {
	if e.peers.SetRole(peerID, role) {
		if p, ok := e.peers.Peer(peerID); ok {
			e.publishPeer(p)
		}
	}
}

func (e *Engine) requireMember(ctx context.Context, groupID string) error {
	if groupID == "" {
		return nil
	}
	member, err := e.store.IsMember(ctx, groupID, e.username)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}
	return nil
}

func contentKind(body string) store.ContentKind {
	trimmed := strings.TrimSpace(body)
	if strings.ContainsAny(trimmed, " \t\n") {
		return store.KindText
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return store.KindText
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return store.KindLink
	}
	return store.KindText
}
