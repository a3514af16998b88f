package lan

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	errLinkClosed   = errors.New("lan link closed")
	errBackpressure = errors.New("lan link backpressure")
)

// link is one open stream to a neighbour. Frames are queued on sendCh and
// written by a single sender goroutine; a single receiver goroutine hands
// inbound frames to deliver.
type link struct {
	peerID  string
	dialer  string
	stream  frameStream
	conn    *grpc.ClientConn
	log     *zap.Logger
	metrics *Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	sendCh   chan []byte
	sendDone chan struct{}
	once     sync.Once
}

func newLink(ctx context.Context, cancel context.CancelFunc, peerID, dialer string, stream frameStream, conn *grpc.ClientConn, buffer int, log *zap.Logger, metrics *Metrics) *link {
	return &link{
		peerID:   peerID,
		dialer:   dialer,
		stream:   stream,
		conn:     conn,
		log:      log,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		sendCh:   make(chan []byte, buffer),
		sendDone: make(chan struct{}),
	}
}

func (l *link) start(deliver func(peerID string, data []byte), closed func(*link)) {
	go l.sendLoop()
	go l.recvLoop(deliver, closed)
}

func (l *link) send(data []byte) error {
	select {
	case <-l.ctx.Done():
		return errLinkClosed
	default:
	}
	select {
	case l.sendCh <- data:
		return nil
	default:
		return errBackpressure
	}
}

func (l *link) sendLoop() {
	defer close(l.sendDone)
	defer l.close()
	for {
		select {
		case <-l.ctx.Done():
			return
		case data := <-l.sendCh:
			if err := l.stream.Send(wrapperspb.Bytes(data)); err != nil {
				if !quietStreamErr(err) {
					l.log.Warn("lan send failed", zap.String("peer", l.peerID), zap.Error(err))
				}
				return
			}
			l.metrics.recordFrame("out")
		}
	}
}

func (l *link) recvLoop(deliver func(peerID string, data []byte), closed func(*link)) {
	defer closed(l)
	defer l.close()
	for {
		frame, err := l.stream.Recv()
		if err != nil {
			if !quietStreamErr(err) {
				l.log.Warn("lan recv failed", zap.String("peer", l.peerID), zap.Error(err))
			}
			return
		}
		l.metrics.recordFrame("in")
		deliver(l.peerID, frame.GetValue())
	}
}

func (l *link) close() {
	l.once.Do(func() {
		l.cancel()
		if l.conn != nil {
			l.conn.Close()
		}
	})
}

func quietStreamErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch status.Code(err) {
	case codes.Canceled, codes.Unavailable:
		return true
	}
	return false
}
