package call

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/offmesh/offmesh/internal/media"
	"github.com/offmesh/offmesh/internal/signaling"
)

const inboxSize = 8

type signalingResult struct {
	relay Relay
	media media.Engine
}

func (r signalingResult) close() {
	if r.media != nil {
		_ = r.media.Close()
	}
	if r.relay != nil {
		_ = r.relay.Stop()
	}
}

func (o *Orchestrator) beginSignaling(s *session) {
	o.transition(s, StateSignaling)
	s.inbox = make(chan signaling.Record, inboxSize)
	go o.readChannel(s, s.channel)

	s.workers.Add(1)
	ctx, role, video := s.ctx, s.role, s.video
	remote, ch, inbox := s.remoteIP, s.channel, s.inbox
	go func() {
		defer s.workers.Done()
		res, err := o.runSignaling(ctx, s, role, video, remote, ch, inbox)
		if !o.loop.Post(func() { o.signalingDone(s, res, err) }) {
			res.close()
		}
	}()
}

// readChannel forwards records to the loop until the channel fails.
func (o *Orchestrator) readChannel(s *session, ch *signaling.Channel) {
	for {
		rec, err := ch.Recv()
		if err != nil {
			o.loop.Post(func() { o.channelClosed(s, err) })
			return
		}
		if !o.loop.Post(func() { o.onRecord(s, rec) }) {
			return
		}
	}
}

func (o *Orchestrator) onRecord(s *session, rec signaling.Record) {
	if o.sess != s || s.state == StateEnding {
		return
	}
	if rec.Kind == signaling.KindEnd {
		var e signaling.End
		if err := rec.Decode(&e); err != nil || e.Reason == "" {
			e.Reason = "ended"
		}
		o.end(s, "", "remote: "+e.Reason, false)
		return
	}
	select {
	case s.inbox <- rec:
	default:
		o.log.Debug("signaling record dropped", zap.String("session_id", s.id), zap.String("kind", string(rec.Kind)))
	}
}

func (o *Orchestrator) channelClosed(s *session, err error) {
	if o.sess != s || s.state == StateEnding {
		return
	}
	o.log.Warn("signaling channel closed", zap.String("session_id", s.id), zap.Error(err))
	o.end(s, OutcomeFailed, "signaling channel closed", false)
}

// runSignaling brings up the relay and the media engine and exchanges
// descriptions. Every description sent or applied carries only the local
// relay candidate.
func (o *Orchestrator) runSignaling(ctx context.Context, s *session, role Role, video bool, remote net.IP, ch *signaling.Channel, inbox <-chan signaling.Record) (signalingResult, error) {
	var res signalingResult

	r, err := o.newRelay()
	if err != nil {
		return res, fmt.Errorf("build relay: %w", err)
	}
	// The relay outlives the session context; teardown stops it after the
	// media engine and the channel are closed.
	if err := r.Start(o.ctx); err != nil {
		return res, fmt.Errorf("start relay: %w", err)
	}
	res.relay = r
	r.SetRemote(remote)
	port := r.Port()

	eng, err := o.newMedia()
	if err != nil {
		return res, fmt.Errorf("build media engine: %w", err)
	}
	res.media = eng
	eng.OnStateChange(func(st media.State) {
		o.loop.Post(func() { o.onMediaState(s, st) })
	})

	ctx, cancel := context.WithTimeout(ctx, o.signalingTimeout)
	defer cancel()
	if err := eng.Open(ctx, video); err != nil {
		return res, fmt.Errorf("open media: %w", err)
	}

	if role == RoleInitiator {
		offer, err := eng.CreateOffer(ctx)
		if err != nil {
			return res, fmt.Errorf("create offer: %w", err)
		}
		if err := sendDescription(ctx, ch, signaling.KindOffer, offer, port); err != nil {
			return res, err
		}
		answer, err := awaitDescription(ctx, inbox, signaling.KindAnswer)
		if err != nil {
			return res, err
		}
		if err := eng.SetAnswer(ctx, signaling.SubstituteCandidates(answer, port)); err != nil {
			return res, fmt.Errorf("apply answer: %w", err)
		}
		if err := ch.Send(ctx, signaling.KindCandidate, signaling.Candidate{Ready: true}); err != nil {
			return res, fmt.Errorf("send candidate: %w", err)
		}
	} else {
		offer, err := awaitDescription(ctx, inbox, signaling.KindOffer)
		if err != nil {
			return res, err
		}
		answer, err := eng.AcceptOffer(ctx, signaling.SubstituteCandidates(offer, port))
		if err != nil {
			return res, fmt.Errorf("accept offer: %w", err)
		}
		if err := sendDescription(ctx, ch, signaling.KindAnswer, answer, port); err != nil {
			return res, err
		}
		if err := ch.Send(ctx, signaling.KindCandidate, signaling.Candidate{Ready: true}); err != nil {
			return res, fmt.Errorf("send candidate: %w", err)
		}
	}

	if _, err := await(ctx, inbox, signaling.KindCandidate); err != nil {
		return res, err
	}
	return res, nil
}

func sendDescription(ctx context.Context, ch *signaling.Channel, kind signaling.Kind, sdp string, relayPort int) error {
	desc := signaling.Description{SDP: signaling.SubstituteCandidates(sdp, relayPort)}
	if err := ch.Send(ctx, kind, desc); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func awaitDescription(ctx context.Context, inbox <-chan signaling.Record, kind signaling.Kind) (string, error) {
	rec, err := await(ctx, inbox, kind)
	if err != nil {
		return "", err
	}
	var desc signaling.Description
	if err := rec.Decode(&desc); err != nil {
		return "", err
	}
	if desc.SDP == "" {
		return "", fmt.Errorf("empty %s description", kind)
	}
	return desc.SDP, nil
}

// await returns the next record of kind, skipping any other kind.
func await(ctx context.Context, inbox <-chan signaling.Record, kind signaling.Kind) (signaling.Record, error) {
	for {
		select {
		case <-ctx.Done():
			return signaling.Record{}, fmt.Errorf("waiting for %s: %w", kind, ctx.Err())
		case rec := <-inbox:
			if rec.Kind == kind {
				return rec, nil
			}
		}
	}
}

func (o *Orchestrator) signalingDone(s *session, res signalingResult, err error) {
	if o.sess != s {
		o.log.Debug("stale signaling completion", zap.String("session_id", s.id))
		res.close()
		return
	}
	s.relay, s.media = res.relay, res.media
	if s.state != StateSignaling && s.state != StateMediaActive {
		return
	}
	if err != nil {
		o.log.Warn("signaling failed", zap.String("session_id", s.id), zap.Error(err))
		o.end(s, OutcomeFailed, "signaling: "+err.Error(), true)
		return
	}
	o.log.Info("signaling complete", zap.String("session_id", s.id), zap.Int("relay_port", res.relay.Port()))
}

func (o *Orchestrator) onMediaState(s *session, st media.State) {
	if o.sess != s {
		return
	}
	switch st {
	case media.StateConnected:
		if s.state == StateSignaling {
			o.transition(s, StateMediaActive)
		}
	case media.StateFailed, media.StateClosed:
		if s.state == StateSignaling || s.state == StateMediaActive {
			o.end(s, OutcomeFailed, "media "+string(st), true)
		}
	}
}
