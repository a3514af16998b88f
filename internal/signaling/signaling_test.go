package signaling

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

const sampleOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0 1\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=candidate:842163049 1 udp 1677729535 10.1.2.3 54321 typ srflx raddr 0.0.0.0 rport 0\r\n" +
	"a=candidate:1467250027 1 udp 2122260223 192.168.1.20 46243 typ host\r\n" +
	"a=end-of-candidates\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=candidate:1467250028 1 udp 2122260223 192.168.1.20 46244 typ host\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func TestSubstituteCandidatesLeavesOnlyRelay(t *testing.T) {
	out := SubstituteCandidates(sampleOffer, 5004)

	cands := CandidateLines(out)
	if len(cands) != 1 {
		t.Fatalf("expected exactly one candidate, got %v", cands)
	}
	if cands[0] != "a=candidate:1 1 udp 2130706431 127.0.0.1 5004 typ host" {
		t.Fatalf("unexpected candidate %q", cands[0])
	}
	if strings.Contains(out, "a=end-of-candidates") || strings.Contains(out, "192.168.1.20") {
		t.Fatalf("native candidate material survived:\n%s", out)
	}

	// The candidate belongs to the first media section.
	audio := strings.Index(out, "m=audio")
	video := strings.Index(out, "m=video")
	at := strings.Index(out, cands[0])
	if !(audio < at && at < video) {
		t.Fatalf("expected candidate inside the first media section:\n%s", out)
	}
	if strings.Contains(strings.ReplaceAll(out, "\r\n", ""), "\n") || !strings.HasSuffix(out, "\r\n") {
		t.Fatalf("expected CRLF line endings")
	}

	// Substituting twice is stable.
	if again := SubstituteCandidates(out, 5004); again != out {
		t.Fatalf("expected substitution to be idempotent")
	}
}

func TestSubstituteCandidatesSingleSectionLF(t *testing.T) {
	in := "v=0\ns=-\nm=audio 9 RTP/AVP 0\na=candidate:1 1 udp 1 10.0.0.1 1 typ host\n"
	out := SubstituteCandidates(in, 6000)
	if !strings.HasSuffix(out, RelayCandidate(6000)+"\r\n") {
		t.Fatalf("expected relay candidate at end of sole section, got %q", out)
	}
}

func pipeChannels(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *Channel, 1)
	errs := make(chan error, 1)
	go func() {
		ch, err := ln.Accept(ctx)
		if err != nil {
			errs <- err
			return
		}
		accepted <- ch
	}()

	client, err := Dial(ctx, net.IPv4(127, 0, 0, 1), ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var server *Channel
	select {
	case server = <-accepted:
	case err := <-errs:
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestChannelCarriesSubstitutedDescriptions(t *testing.T) {
	server, client := pipeChannels(t)
	ctx := context.Background()

	if err := client.Send(ctx, KindOffer, Description{SDP: SubstituteCandidates(sampleOffer, 5004)}); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	if err := client.Send(ctx, KindCandidate, Candidate{Ready: true}); err != nil {
		t.Fatalf("send candidate: %v", err)
	}

	rec, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	var desc Description
	if rec.Kind != KindOffer || rec.Decode(&desc) != nil {
		t.Fatalf("expected offer, got %+v", rec)
	}
	if cands := CandidateLines(desc.SDP); len(cands) != 1 || !strings.Contains(cands[0], "127.0.0.1 5004") {
		t.Fatalf("expected only the relay candidate, got %v", cands)
	}

	rec, err = server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	var cand Candidate
	if rec.Kind != KindCandidate || rec.Decode(&cand) != nil || !cand.Ready {
		t.Fatalf("expected ready candidate, got %+v", rec)
	}

	if err := server.Send(ctx, KindEnd, End{Reason: "hangup"}); err != nil {
		t.Fatalf("send end: %v", err)
	}
	rec, err = client.Recv()
	if err != nil || rec.Kind != KindEnd {
		t.Fatalf("expected end, got %+v (%v)", rec, err)
	}

	server.Close()
	if _, err := client.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}

func TestChannelRejectsOversizedRecord(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		ch, err := ln.Accept(ctx)
		if err != nil {
			done <- err
			return
		}
		defer ch.Close()
		_, err = ch.Recv()
		done <- err
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxRecordSize+1)
	if _, err := conn.Write(hdr[:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("expected ErrRecordTooLarge, got %v", err)
	}
}

func TestAcceptHonoursContext(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ln.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
