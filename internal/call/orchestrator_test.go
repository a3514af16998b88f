package call

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/offmesh/offmesh/internal/media"
	"github.com/offmesh/offmesh/internal/mesh"
	"github.com/offmesh/offmesh/internal/signaling"
)

func TestCallHappyPath(t *testing.T) {
	ctx := context.Background()
	_, nodes := newTestNet(t, defaultTestOptions(), "alice", "bob")
	alice, bob := nodes["alice"], nodes["bob"]

	snap, err := alice.orch.Invite(ctx, "bob", true)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if snap.State != StateInviting || snap.Role != RoleInitiator {
		t.Fatalf("unexpected invite snapshot %+v", snap)
	}
	ringing := waitState(t, bob, StateInvited)
	if ringing.SessionID != snap.SessionID || !ringing.Video || ringing.Peer != "alice" {
		t.Fatalf("unexpected ringing snapshot %+v", ringing)
	}
	if bob.mesh.role("alice") != mesh.RoleInSession {
		t.Fatalf("expected alice marked in-session on bob")
	}

	if _, err := bob.orch.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	aliceActive := waitState(t, alice, StateMediaActive)
	bobActive := waitState(t, bob, StateMediaActive)
	if aliceActive.RemoteAddress != "127.0.0.1" || aliceActive.RelayPort != alice.relayPort {
		t.Fatalf("unexpected alice snapshot %+v", aliceActive)
	}
	if bobActive.JoinAttempts != 1 {
		t.Fatalf("expected one join attempt, got %d", bobActive.JoinAttempts)
	}

	// Each engine only ever sees its own relay as the remote candidate.
	for _, n := range []*testNode{alice, bob} {
		remote, _ := n.lastMedia().state()
		lines := signaling.CandidateLines(remote)
		if len(lines) != 1 || lines[0] != relayLine(n.relayPort) {
			t.Fatalf("%s engine saw candidates %q", n.name, lines)
		}
	}
	for _, n := range []*testNode{alice, bob} {
		if !n.mesh.Suspended() {
			t.Fatalf("%s mesh should be suspended during the call", n.name)
		}
	}

	if err := alice.orch.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	aliceIdle := waitState(t, alice, StateIdle)
	bobIdle := waitState(t, bob, StateIdle)
	if aliceIdle.EndReason != "hangup" || bobIdle.EndReason != "remote: hangup" {
		t.Fatalf("unexpected end reasons %q / %q", aliceIdle.EndReason, bobIdle.EndReason)
	}

	peers := map[*testNode]string{alice: "bob", bob: "alice"}
	for n, peer := range peers {
		if n.mesh.Suspended() {
			t.Fatalf("%s mesh not resumed", n.name)
		}
		if _, closed := n.lastMedia().state(); !closed {
			t.Fatalf("%s media not closed", n.name)
		}
		if _, removes, _ := n.link.stats(); removes != 1 {
			t.Fatalf("%s removed group %d times", n.name, removes)
		}
		if n.mesh.role(peer) != mesh.RoleMeshOnly {
			t.Fatalf("%s peer role not restored", n.name)
		}
		if got := testutil.ToFloat64(n.metrics.sessions.WithLabelValues(OutcomeCompleted)); got != 1 {
			t.Fatalf("%s completed sessions = %v", n.name, got)
		}
	}

	want := []State{StateInviting, StateHandoff, StateSignaling, StateMediaActive, StateEnding, StateIdle}
	if got := alice.sink.seen(); !equalStates(got, want) {
		t.Fatalf("alice states %v, want %v", got, want)
	}
	if _, _, hint := bob.link.stats(); hint != "DIRECT-alice" {
		t.Fatalf("bob joined with hint %q", hint)
	}
}

func TestInviteValidation(t *testing.T) {
	ctx := context.Background()
	_, nodes := newTestNet(t, defaultTestOptions(), "alice", "bob")
	alice := nodes["alice"]

	if _, err := alice.orch.Invite(ctx, "", false); !errors.Is(err, ErrInvalidPeer) {
		t.Fatalf("expected ErrInvalidPeer for empty peer, got %v", err)
	}
	if _, err := alice.orch.Invite(ctx, "alice", false); !errors.Is(err, ErrInvalidPeer) {
		t.Fatalf("expected ErrInvalidPeer for self, got %v", err)
	}
	if _, err := alice.orch.Accept(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if err := alice.orch.Hangup(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession on hangup, got %v", err)
	}

	if _, err := alice.orch.Invite(ctx, "bob", false); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := alice.orch.Invite(ctx, "bob", false); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := alice.orch.Accept(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for initiator accept, got %v", err)
	}
}

func TestInviteTimesOut(t *testing.T) {
	opts := defaultTestOptions()
	opts.inviteTimeout = 100 * time.Millisecond
	_, nodes := newTestNet(t, opts, "alice")
	alice := nodes["alice"]

	if _, err := alice.orch.Invite(context.Background(), "carol", false); err != nil {
		t.Fatalf("invite: %v", err)
	}
	snap := waitState(t, alice, StateIdle)
	if snap.EndReason != "timeout" {
		t.Fatalf("expected timeout, got %q", snap.EndReason)
	}
	if suspends, _ := alice.mesh.counts(); suspends != 0 {
		t.Fatalf("mesh suspended %d times for an unanswered invite", suspends)
	}
	if got := testutil.ToFloat64(alice.metrics.sessions.WithLabelValues(OutcomeTimeout)); got != 1 {
		t.Fatalf("timeout sessions = %v", got)
	}
}

func TestRejectEndsBothSides(t *testing.T) {
	ctx := context.Background()
	_, nodes := newTestNet(t, defaultTestOptions(), "alice", "bob")
	alice, bob := nodes["alice"], nodes["bob"]

	if _, err := alice.orch.Invite(ctx, "bob", false); err != nil {
		t.Fatalf("invite: %v", err)
	}
	waitState(t, bob, StateInvited)
	if err := bob.orch.Reject(ctx); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if snap := waitState(t, alice, StateIdle); snap.EndReason != "rejected: declined" {
		t.Fatalf("unexpected alice reason %q", snap.EndReason)
	}
	if snap := waitState(t, bob, StateIdle); snap.EndReason != "declined" {
		t.Fatalf("unexpected bob reason %q", snap.EndReason)
	}
	if err := bob.orch.Reject(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession on second reject, got %v", err)
	}
}

func TestBusyPeerAutoRejects(t *testing.T) {
	ctx := context.Background()
	_, nodes := newTestNet(t, defaultTestOptions(), "alice", "bob", "carol")
	alice, bob, carol := nodes["alice"], nodes["bob"], nodes["carol"]

	first, err := alice.orch.Invite(ctx, "bob", false)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	waitState(t, bob, StateInvited)

	if _, err := carol.orch.Invite(ctx, "bob", false); err != nil {
		t.Fatalf("second invite: %v", err)
	}
	if snap := waitState(t, carol, StateIdle); snap.EndReason != "rejected: busy" {
		t.Fatalf("expected busy rejection, got %q", snap.EndReason)
	}
	snap, err := bob.orch.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != StateInvited || snap.SessionID != first.SessionID {
		t.Fatalf("busy peer lost its session: %+v", snap)
	}
	if got := testutil.ToFloat64(bob.metrics.sessions.WithLabelValues(OutcomeBusy)); got != 1 {
		t.Fatalf("bob busy count = %v", got)
	}
}

func TestJoinFailureReturnsBothToIdle(t *testing.T) {
	opts := defaultTestOptions()
	opts.joinTimeout = 300 * time.Millisecond
	opts.handoffTimeout = 800 * time.Millisecond
	ctx := context.Background()
	_, nodes := newTestNet(t, opts, "alice", "bob")
	alice, bob := nodes["alice"], nodes["bob"]
	bob.link.joinErr = errors.New("group not found")

	if _, err := alice.orch.Invite(ctx, "bob", false); err != nil {
		t.Fatalf("invite: %v", err)
	}
	waitState(t, bob, StateInvited)
	if _, err := bob.orch.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}

	bobIdle := waitState(t, bob, StateIdle)
	if !strings.HasPrefix(bobIdle.EndReason, "handoff:") || bobIdle.JoinAttempts != 3 {
		t.Fatalf("unexpected bob snapshot %+v", bobIdle)
	}
	if joins, _, _ := bob.link.stats(); joins != 3 {
		t.Fatalf("expected 3 join attempts, got %d", joins)
	}
	aliceIdle := waitState(t, alice, StateIdle)
	if !strings.HasPrefix(aliceIdle.EndReason, "handoff:") {
		t.Fatalf("unexpected alice reason %q", aliceIdle.EndReason)
	}

	for _, n := range []*testNode{alice, bob} {
		if n.mesh.Suspended() {
			t.Fatalf("%s mesh left suspended", n.name)
		}
		if got := testutil.ToFloat64(n.metrics.sessions.WithLabelValues(OutcomeFailed)); got != 1 {
			t.Fatalf("%s failed sessions = %v", n.name, got)
		}
	}
}

func TestSignalingFailureTearsDownBothSides(t *testing.T) {
	ctx := context.Background()
	_, nodes := newTestNet(t, defaultTestOptions(), "alice", "bob")
	alice, bob := nodes["alice"], nodes["bob"]
	alice.openErr = errors.New("camera busy")

	if _, err := alice.orch.Invite(ctx, "bob", true); err != nil {
		t.Fatalf("invite: %v", err)
	}
	waitState(t, bob, StateInvited)
	if _, err := bob.orch.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}

	aliceIdle := waitState(t, alice, StateIdle)
	if !strings.Contains(aliceIdle.EndReason, "camera busy") {
		t.Fatalf("unexpected alice reason %q", aliceIdle.EndReason)
	}
	bobIdle := waitState(t, bob, StateIdle)
	if !strings.HasPrefix(bobIdle.EndReason, "remote: signaling:") {
		t.Fatalf("unexpected bob reason %q", bobIdle.EndReason)
	}
	if _, closed := bob.lastMedia().state(); !closed {
		t.Fatalf("bob media not closed")
	}
	for _, n := range []*testNode{alice, bob} {
		if n.mesh.Suspended() {
			t.Fatalf("%s mesh left suspended", n.name)
		}
	}
}

func TestMediaFailureEndsActiveCall(t *testing.T) {
	ctx := context.Background()
	_, nodes := newTestNet(t, defaultTestOptions(), "alice", "bob")
	alice, bob := nodes["alice"], nodes["bob"]

	if _, err := alice.orch.Invite(ctx, "bob", false); err != nil {
		t.Fatalf("invite: %v", err)
	}
	waitState(t, bob, StateInvited)
	if _, err := bob.orch.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, alice, StateMediaActive)
	waitState(t, bob, StateMediaActive)

	bob.lastMedia().emit(media.StateFailed)

	if snap := waitState(t, bob, StateIdle); snap.EndReason != "media failed" {
		t.Fatalf("unexpected bob reason %q", snap.EndReason)
	}
	if snap := waitState(t, alice, StateIdle); snap.EndReason != "remote: media failed" {
		t.Fatalf("unexpected alice reason %q", snap.EndReason)
	}
}

func TestMeshResumeRetriedUntilItSucceeds(t *testing.T) {
	ctx := context.Background()
	_, nodes := newTestNet(t, defaultTestOptions(), "alice", "bob")
	alice, bob := nodes["alice"], nodes["bob"]
	alice.mesh.resumeFailures = 2

	if _, err := alice.orch.Invite(ctx, "bob", false); err != nil {
		t.Fatalf("invite: %v", err)
	}
	waitState(t, bob, StateInvited)
	if _, err := bob.orch.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, alice, StateMediaActive)
	if err := bob.orch.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	waitState(t, bob, StateIdle)
	waitState(t, alice, StateIdle)

	if alice.mesh.Suspended() {
		t.Fatalf("alice mesh left suspended")
	}
	if _, resumes := alice.mesh.counts(); resumes != 3 {
		t.Fatalf("expected 3 resume attempts, got %d", resumes)
	}
	if got := testutil.ToFloat64(alice.metrics.resumeFailures); got != 2 {
		t.Fatalf("resume failures = %v", got)
	}
}

func TestResponderJoinsAnyGroupWithoutCandidate(t *testing.T) {
	opts := defaultTestOptions()
	opts.candidateWait = 50 * time.Millisecond
	opts.handoffTimeout = 200 * time.Millisecond
	ctx := context.Background()
	_, nodes := newTestNet(t, opts, "bob")
	bob := nodes["bob"]

	offer := mesh.NewPacket("ghost", "bob", 0, mesh.SessionOffer{SessionID: "s-1", LinkHint: "DIRECT-ghost"})
	if err := bob.loop.Call(ctx, func() { bob.orch.HandleSession(offer) }); err != nil {
		t.Fatalf("deliver offer: %v", err)
	}
	waitState(t, bob, StateInvited)
	if _, err := bob.orch.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Nobody listens on the owner address, so the dial times out.
	snap := waitState(t, bob, StateIdle)
	if !strings.Contains(snap.EndReason, "dial group owner") {
		t.Fatalf("unexpected reason %q", snap.EndReason)
	}
	if joins, _, hint := bob.link.stats(); joins != 1 || hint != "DIRECT-ghost" {
		t.Fatalf("expected one join with offer hint, got %d %q", joins, hint)
	}
	if bob.mesh.Suspended() {
		t.Fatalf("mesh left suspended")
	}
}

func TestStaleSessionPacketsIgnored(t *testing.T) {
	ctx := context.Background()
	_, nodes := newTestNet(t, defaultTestOptions(), "alice")
	alice := nodes["alice"]

	snap, err := alice.orch.Invite(ctx, "carol", false)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	stale := []mesh.Packet{
		mesh.NewPacket("carol", "alice", 0, mesh.SessionAnswer{SessionID: "other", Accepted: true}),
		mesh.NewPacket("mallory", "alice", 0, mesh.SessionAnswer{SessionID: snap.SessionID, Accepted: true}),
		mesh.NewPacket("carol", "alice", 0, mesh.SessionEnd{SessionID: "other", Reason: "bye"}),
	}
	for _, p := range stale {
		if err := alice.loop.Call(ctx, func() { alice.orch.HandleSession(p) }); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	now, err := alice.orch.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if now.State != StateInviting || now.SessionID != snap.SessionID {
		t.Fatalf("stale packet changed session: %+v", now)
	}

	if err := alice.orch.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	waitState(t, alice, StateIdle)
	if got := testutil.ToFloat64(alice.metrics.sessions.WithLabelValues(OutcomeCancelled)); got != 1 {
		t.Fatalf("cancelled sessions = %v", got)
	}
}

func TestStaleHandoffCompletionClosesChannel(t *testing.T) {
	ctx := context.Background()
	_, nodes := newTestNet(t, defaultTestOptions(), "alice")
	alice := nodes["alice"]

	ln, err := signaling.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan *signaling.Channel, 1)
	go func() {
		ch, err := ln.Accept(ctx)
		if err == nil {
			accepted <- ch
		}
	}()
	ch, err := signaling.Dial(ctx, nil, ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-accepted
	defer server.Close()

	gone := &session{id: "finished", state: StateHandoff}
	if err := alice.loop.Call(ctx, func() { alice.orch.handoffDone(gone, handoffResult{channel: ch}, nil) }); err != nil {
		t.Fatalf("handoff done: %v", err)
	}
	if err := ch.Send(ctx, signaling.KindHello, signaling.Hello{Address: "127.0.0.1"}); err == nil {
		t.Fatalf("expected stale channel to be closed")
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTeardownReleasesMediaBeforeRelay(t *testing.T) {
	ctx := context.Background()
	_, nodes := newTestNet(t, defaultTestOptions(), "alice", "bob")
	alice, bob := nodes["alice"], nodes["bob"]

	if _, err := alice.orch.Invite(ctx, "bob", false); err != nil {
		t.Fatalf("invite: %v", err)
	}
	waitState(t, bob, StateInvited)
	if _, err := bob.orch.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, alice, StateMediaActive)
	waitState(t, bob, StateMediaActive)

	if err := alice.orch.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	waitState(t, alice, StateIdle)
	waitState(t, bob, StateIdle)

	for _, n := range []*testNode{alice, bob} {
		steps, held := n.teardown()
		if !equalSteps(steps, []string{"media", "relay"}) {
			t.Fatalf("%s released %v, want media then relay", n.name, steps)
		}
		if len(held) != 1 || !held[0] {
			t.Fatalf("%s relay was already stopped when media closed", n.name)
		}
		if udpPortInUse(n.relayPort) {
			t.Fatalf("%s relay port still bound after teardown", n.name)
		}
	}
}

func TestHandoffAndSignalingFailuresReturnToIdle(t *testing.T) {
	cases := []struct {
		name    string
		failing string
		inject  func(alice, bob *testNode)
	}{
		{"initiator suspend", "alice", func(a, _ *testNode) { a.mesh.suspendErr = errors.New("radio busy") }},
		{"initiator create group", "alice", func(a, _ *testNode) { a.link.createErr = errors.New("group refused") }},
		{"initiator resolve", "alice", func(a, _ *testNode) { a.noLinkIP = true }},
		{"initiator accept timeout", "alice", func(_, b *testNode) { b.link.owner = "127.0.0.2" }},
		{"initiator media", "alice", func(a, _ *testNode) { a.openErr = errors.New("camera busy") }},
		{"responder suspend", "bob", func(_, b *testNode) { b.mesh.suspendErr = errors.New("radio busy") }},
		{"responder join", "bob", func(_, b *testNode) { b.link.joinErr = errors.New("group not found") }},
		{"responder resolve", "bob", func(_, b *testNode) { b.noLinkIP = true }},
		{"responder dial", "bob", func(_, b *testNode) { b.link.owner = "127.0.0.2" }},
		{"responder media", "bob", func(_, b *testNode) { b.openErr = errors.New("microphone busy") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := defaultTestOptions()
			opts.handoffTimeout = 400 * time.Millisecond
			opts.joinTimeout = 300 * time.Millisecond
			opts.resolveTimeout = 200 * time.Millisecond
			ctx := context.Background()
			_, nodes := newTestNet(t, opts, "alice", "bob")
			alice, bob := nodes["alice"], nodes["bob"]
			tc.inject(alice, bob)

			if _, err := alice.orch.Invite(ctx, "bob", false); err != nil {
				t.Fatalf("invite: %v", err)
			}
			waitState(t, bob, StateInvited)
			if _, err := bob.orch.Accept(ctx); err != nil {
				t.Fatalf("accept: %v", err)
			}
			waitState(t, alice, StateIdle)
			waitState(t, bob, StateIdle)

			if got := testutil.ToFloat64(nodes[tc.failing].metrics.sessions.WithLabelValues(OutcomeFailed)); got != 1 {
				t.Fatalf("%s failed sessions = %v", tc.failing, got)
			}
			for _, n := range []*testNode{alice, bob} {
				if n.mesh.Suspended() {
					t.Fatalf("%s mesh left suspended", n.name)
				}
				if _, removes, _ := n.link.stats(); removes != 1 {
					t.Fatalf("%s removed group %d times", n.name, removes)
				}
				steps, held := n.teardown()
				if media, relay := indexOf(steps, "media"), indexOf(steps, "relay"); media >= 0 && relay >= 0 && media > relay {
					t.Fatalf("%s released %v, want media before relay", n.name, steps)
				}
				for _, h := range held {
					if !h {
						t.Fatalf("%s relay was already stopped when media closed", n.name)
					}
				}
				if udpPortInUse(n.relayPort) {
					t.Fatalf("%s relay port still bound", n.name)
				}
			}
		})
	}
}

func equalSteps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func indexOf(steps []string, name string) int {
	for i, s := range steps {
		if s == name {
			return i
		}
	}
	return -1
}
