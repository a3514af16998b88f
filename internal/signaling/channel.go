package signaling

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// DefaultPort is the well-known signaling port on the group owner.
	DefaultPort = 8988

	// MaxRecordSize bounds a single record on the wire.
	MaxRecordSize = 1 << 20
)

// ErrRecordTooLarge is returned for records above MaxRecordSize.
var ErrRecordTooLarge = errors.New("signaling record too large")

// Kind tags a record.
type Kind string

const (
	KindHello     Kind = "hello"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindEnd       Kind = "end"
)

// Record is one self-delimited signaling step.
type Record struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (r Record) Decode(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%s record has no payload", r.Kind)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.Kind, err)
	}
	return nil
}

// Hello carries the sender's resolved direct-link address.
type Hello struct {
	Address string `json:"address"`
}

// Description carries a session description.
type Description struct {
	SDP string `json:"sdp"`
}

// Candidate stands in for connectivity negotiation; only readiness is
// signalled.
type Candidate struct {
	Ready bool `json:"ready"`
}

// End closes the session.
type End struct {
	Reason string `json:"reason,omitempty"`
}

// Channel is a reliable ordered record stream over TCP. Records are framed
// as a 4-byte big-endian length followed by JSON. One reader and one writer
// may use it concurrently.
type Channel struct {
	conn net.Conn
	wmu  sync.Mutex
	once sync.Once
}

func newChannel(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

// Dial connects to remote, sourcing the connection from local so it leaves
// over the direct link.
func Dial(ctx context.Context, local net.IP, remote string) (*Channel, error) {
	d := net.Dialer{}
	if local != nil {
		d.LocalAddr = &net.TCPAddr{IP: local}
	}
	conn, err := d.DialContext(ctx, "tcp", remote)
	if err != nil {
		return nil, fmt.Errorf("dial signaling %s: %w", remote, err)
	}
	return newChannel(conn), nil
}

// Listener accepts the single signaling connection of a session.
type Listener struct {
	ln net.Listener
}

// Listen binds addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen signaling %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits for one connection or for ctx to end. The listener is closed
// when Accept returns.
func (l *Listener) Accept(ctx context.Context) (*Channel, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()
	defer l.ln.Close()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("accept signaling: %w", ctx.Err())
		}
		return nil, fmt.Errorf("accept signaling: %w", err)
	}
	return newChannel(conn), nil
}

// Close releases the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Send writes one record. ctx bounds the write.
func (c *Channel) Send(ctx context.Context, kind Kind, payload any) error {
	rec := Record{Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", kind, err)
		}
		rec.Payload = raw
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", kind, err)
	}
	if len(data) > MaxRecordSize {
		return ErrRecordTooLarge
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = c.conn.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetWriteDeadline(time.Now()) })
	defer stop()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write %s record: %w", kind, err)
	}
	return nil
}

// Recv blocks for the next record. It returns io.EOF once the peer closed
// the channel cleanly; Close unblocks it.
func (c *Channel) Recv() (Record, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return Record{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxRecordSize {
		return Record{}, ErrRecordTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return Record{}, fmt.Errorf("read record body: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if rec.Kind == "" {
		return Record{}, errors.New("record kind missing")
	}
	return rec, nil
}

// LocalAddr and RemoteAddr expose the underlying connection endpoints.
func (c *Channel) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close shuts the channel. Safe to call repeatedly.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}
