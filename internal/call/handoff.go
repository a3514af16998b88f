package call

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/offmesh/offmesh/internal/media"
	"github.com/offmesh/offmesh/internal/signaling"
)

type handoffResult struct {
	localIP  net.IP
	remoteIP net.IP
	channel  *signaling.Channel
}

func (r handoffResult) close() {
	if r.channel != nil {
		_ = r.channel.Close()
	}
}

func (o *Orchestrator) startHandoff(s *session) {
	s.workerStarted = true
	s.workers.Add(1)
	ctx, id, role, hint := s.ctx, s.id, s.role, s.hint
	go func() {
		defer s.workers.Done()
		res, err := o.runHandoff(ctx, id, role, hint, func(n int) {
			o.loop.Post(func() {
				if o.sess == s {
					s.joinAttempts = n
				}
			})
		})
		if !o.loop.Post(func() { o.handoffDone(s, res, err) }) {
			res.close()
		}
	}()
}

// runHandoff moves the session off the mesh and onto a direct link, ending
// with a signaling channel on which both sides have said hello.
func (o *Orchestrator) runHandoff(ctx context.Context, id string, role Role, hint string, onAttempt func(int)) (handoffResult, error) {
	var res handoffResult
	log := o.log.With(zap.String("session_id", id), zap.String("role", string(role)))

	if err := o.mesh.Suspend(ctx); err != nil {
		return res, fmt.Errorf("suspend mesh: %w", err)
	}

	if role == RoleInitiator {
		if err := o.link.CreateGroup(ctx); err != nil {
			return res, fmt.Errorf("create direct-link group: %w", err)
		}
		ip, err := o.resolver.Resolve(ctx)
		if err != nil {
			return res, fmt.Errorf("resolve link address: %w", err)
		}
		res.localIP = ip
		ln, err := signaling.Listen(net.JoinHostPort(ip.String(), strconv.Itoa(o.signalingPort)))
		if err != nil {
			return res, err
		}
		log.Info("waiting for signaling connection", zap.String("address", ln.Addr().String()))
		actx, cancel := context.WithTimeout(ctx, o.handoffTimeout)
		ch, err := ln.Accept(actx)
		cancel()
		if err != nil {
			return res, fmt.Errorf("accept signaling connection: %w", err)
		}
		res.channel = ch
	} else {
		if err := o.join(ctx, log, hint, onAttempt); err != nil {
			return res, err
		}
		ip, err := o.resolver.Resolve(ctx)
		if err != nil {
			return res, fmt.Errorf("resolve link address: %w", err)
		}
		res.localIP = ip
		ch, err := o.dialOwner(ctx, log, ip)
		if err != nil {
			return res, err
		}
		res.channel = ch
	}

	remote, err := exchangeHello(ctx, res.channel, res.localIP, o.handoffTimeout)
	if err != nil {
		return res, err
	}
	res.remoteIP = remote
	log.Info("direct link ready", zap.String("local", res.localIP.String()), zap.String("remote", remote.String()))
	return res, nil
}

// join runs the composite join policy: one deadline of joinTimeout, up to
// joinRetries attempts with doubling backoff, and connection-info polling
// between attempts and after they are exhausted.
func (o *Orchestrator) join(ctx context.Context, log *zap.Logger, hint string, onAttempt func(int)) error {
	ctx, cancel := context.WithTimeout(ctx, o.joinTimeout)
	defer cancel()

	backoff := o.joinBackoff
	for attempt := 1; attempt <= o.joinRetries; attempt++ {
		onAttempt(attempt)
		o.metrics.RecordJoinAttempt()
		err := o.link.DiscoverAndJoin(ctx, hint)
		if err == nil {
			return nil
		}
		log.Warn("direct-link join failed", zap.Int("attempt", attempt), zap.Error(err))
		if ctx.Err() != nil {
			return fmt.Errorf("join direct-link group: %w", ctx.Err())
		}
		if attempt == o.joinRetries {
			break
		}
		if o.pollFormed(ctx, backoff) {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("join direct-link group: %w", ctx.Err())
		}
		backoff *= 2
	}
	if o.pollFormed(ctx, 0) {
		return nil
	}
	return fmt.Errorf("direct-link group not formed after %d attempts", o.joinRetries)
}

// pollFormed polls ConnectionInfo every poll interval for window, or until
// ctx ends when window is zero.
func (o *Orchestrator) pollFormed(ctx context.Context, window time.Duration) bool {
	if window > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, window)
		defer cancel()
	}
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			info, err := o.link.ConnectionInfo(ctx)
			if err == nil && info.Formed {
				return true
			}
		}
	}
}

func (o *Orchestrator) dialOwner(ctx context.Context, log *zap.Logger, local net.IP) (*signaling.Channel, error) {
	owner := o.ownerAddress
	if info, err := o.link.ConnectionInfo(ctx); err == nil && info.OwnerAddress != "" {
		owner = info.OwnerAddress
	}
	addr := net.JoinHostPort(owner, strconv.Itoa(o.signalingPort))

	ctx, cancel := context.WithTimeout(ctx, o.handoffTimeout)
	defer cancel()
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		ch, err := signaling.Dial(ctx, local, addr)
		if err == nil {
			return ch, nil
		}
		log.Debug("dial group owner", zap.String("address", addr), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial group owner %s: %w", addr, err)
		case <-ticker.C:
		}
	}
}

func exchangeHello(ctx context.Context, ch *signaling.Channel, local net.IP, timeout time.Duration) (net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ch.Send(ctx, signaling.KindHello, signaling.Hello{Address: local.String()}); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	rec, err := recvWithin(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("receive hello: %w", err)
	}
	if rec.Kind != signaling.KindHello {
		return nil, fmt.Errorf("expected hello, got %s", rec.Kind)
	}
	var h signaling.Hello
	if err := rec.Decode(&h); err != nil {
		return nil, err
	}
	ip := net.ParseIP(h.Address)
	if ip == nil {
		return nil, fmt.Errorf("invalid hello address %q", h.Address)
	}
	return ip, nil
}

// recvWithin reads one record, closing ch if ctx ends first.
func recvWithin(ctx context.Context, ch *signaling.Channel) (signaling.Record, error) {
	type result struct {
		rec signaling.Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := ch.Recv()
		done <- result{rec, err}
	}()
	select {
	case r := <-done:
		return r.rec, r.err
	case <-ctx.Done():
		_ = ch.Close()
		return signaling.Record{}, ctx.Err()
	}
}

func (o *Orchestrator) handoffDone(s *session, res handoffResult, err error) {
	if o.sess != s {
		o.log.Debug("stale handoff completion", zap.String("session_id", s.id))
		res.close()
		return
	}
	s.localIP, s.remoteIP, s.channel = res.localIP, res.remoteIP, res.channel
	if s.state != StateHandoff {
		return
	}
	if err != nil {
		o.log.Warn("transport handoff failed", zap.String("session_id", s.id), zap.Error(err))
		o.end(s, OutcomeFailed, "handoff: "+err.Error(), true)
		return
	}
	o.beginSignaling(s)
}

type resources struct {
	channel *signaling.Channel
	relay   Relay
	media   media.Engine
}

// teardown releases session resources in order once every worker has
// returned, then brings the mesh back.
func (o *Orchestrator) teardown(s *session, notify bool, outcome string) {
	s.workers.Wait()

	var res resources
	if err := o.loop.Call(context.Background(), func() {
		res = resources{channel: s.channel, relay: s.relay, media: s.media}
	}); err != nil {
		o.log.Warn("collect session resources", zap.String("session_id", s.id), zap.Error(err))
	}
	log := o.log.With(zap.String("session_id", s.id))

	if notify && res.channel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := res.channel.Send(ctx, signaling.KindEnd, signaling.End{Reason: s.endReason}); err != nil {
			log.Debug("send end record", zap.Error(err))
		}
		cancel()
	}
	if res.media != nil {
		if err := res.media.Close(); err != nil {
			log.Warn("close media", zap.Error(err))
		}
	}
	if res.channel != nil {
		_ = res.channel.Close()
	}
	if res.relay != nil {
		if err := res.relay.Stop(); err != nil {
			log.Warn("stop relay", zap.Error(err))
		}
	}

	if s.handoff {
		ctx, cancel := context.WithTimeout(context.Background(), o.handoffTimeout)
		if err := o.link.RemoveGroup(ctx); err != nil {
			log.Warn("remove direct-link group", zap.Error(err))
		}
		cancel()
		if o.sleep(o.cooldown) {
			o.resumeMesh(log)
		}
	}

	o.loop.Post(func() { o.finish(s, outcome) })
}

// resumeMesh retries every cooldown until the mesh runs again or the
// orchestrator is shut down.
func (o *Orchestrator) resumeMesh(log *zap.Logger) {
	for attempt := 1; ; attempt++ {
		err := o.mesh.Resume(o.ctx)
		if err == nil {
			return
		}
		o.metrics.RecordResumeFailure()
		log.Warn("resume mesh", zap.Int("attempt", attempt), zap.Error(err))
		if errors.Is(err, context.Canceled) || !o.sleep(o.cooldown) {
			return
		}
	}
}

func (o *Orchestrator) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-o.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
