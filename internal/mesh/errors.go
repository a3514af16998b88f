package mesh

import (
	"errors"
	"fmt"
)

var (
	ErrInvalid     = errors.New("invalid request")
	ErrNotMember   = errors.New("not a member of the group")
	ErrBadPassword = errors.New("group password mismatch")
	ErrSuspended   = errors.New("mesh transport suspended")
	ErrNotAuthor   = errors.New("only the author may change a message")
	ErrNoChallenge = errors.New("no pending invite for group")
)

// Drop reasons double as metric labels.
const (
	ReasonMalformed   = "malformed"
	ReasonUnknownType = "unknown_type"
	ReasonInvalid     = "invalid"
	ReasonDuplicate   = "duplicate"
	ReasonSuspended   = "suspended"
	ReasonStore       = "store"
	ReasonChunk       = "chunk"
	ReasonExpired     = "expired"
)

// DropError marks a protocol fault: the packet is discarded locally and the
// engine keeps running.
type DropError struct {
	Reason string
	Msg    string
}

func (e *DropError) Error() string {
	return e.Reason + ": " + e.Msg
}

func dropf(reason, format string, args ...any) *DropError {
	return &DropError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// DropReason extracts the reason label from err, or "" when err is not a drop.
func DropReason(err error) string {
	var derr *DropError
	if errors.As(err, &derr) {
		return derr.Reason
	}
	return ""
}
