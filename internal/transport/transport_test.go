package transport

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sandwichfarm/causalnet/internal/config"
)

// pipePair is an in-memory io.ReadWriteCloser pair wired end to end, for
// testing Session without a real socket.
type pipePair struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipePair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePair) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePair) Close() error {
	_ = p.w.Close()
	return p.r.Close()
}

func newPipe() (*pipePair, *pipePair) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipePair{r: r1, w: w2}, &pipePair{r: r2, w: w1}
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{StreamId: 42, Type: FrameBody, Payload: []byte("hello")}
	buf, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(buf) != HeaderLen+len("hello") {
		t.Fatalf("unexpected encoded length %d", len(buf))
	}
	got, err := DecodeFrame(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.StreamId != f.StreamId || got.Type != f.Type || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestEncodeFrameRejectsOversizedPayload(t *testing.T) {
	_, err := EncodeFrame(Frame{Payload: make([]byte, MaxFrameBytes+1)})
	if err == nil {
		t.Fatalf("expected error for oversized payload")
	}
}

func TestStreamIdAllocationParity(t *testing.T) {
	cfg := &config.Transport{InitialCredits: 16, KeepaliveEvery: 30 * time.Second, KeepaliveExpiry: 90 * time.Second}
	a, b := newPipe()
	initiator := NewSession(a, true, cfg, nil)
	acceptor := NewSession(b, false, cfg, nil)
	defer initiator.Close()
	defer acceptor.Close()

	if id := initiator.AllocateStreamId(); id != 1 {
		t.Fatalf("expected first initiator stream id 1, got %d", id)
	}
	if id := initiator.AllocateStreamId(); id != 3 {
		t.Fatalf("expected second initiator stream id 3, got %d", id)
	}
	if id := acceptor.AllocateStreamId(); id != 2 {
		t.Fatalf("expected first acceptor stream id 2, got %d", id)
	}
}

// TestCreditFlowControlBlocksUntilGranted exercises spec.md §8 scenario 6:
// a sender with zero credits must block on SendHeader until a Credit frame
// arrives.
func TestCreditFlowControlBlocksUntilGranted(t *testing.T) {
	cfg := &config.Transport{InitialCredits: 1, KeepaliveEvery: time.Hour, KeepaliveExpiry: time.Hour}
	a, b := newPipe()
	sender := NewSession(a, true, cfg, nil)
	receiver := NewSession(b, false, cfg, nil)
	defer sender.Close()
	defer receiver.Close()

	drain := make(chan Frame, 8)
	go func() {
		for {
			f, err := receiver.ReadFrame()
			if err != nil {
				return
			}
			drain <- f
		}
	}()

	if err := sender.SendHeader(1, []byte("first")); err != nil {
		t.Fatalf("first header: %v", err)
	}
	<-drain // consumed by receiver loop

	done := make(chan error, 1)
	go func() { done <- sender.SendHeader(1, []byte("second")) }()

	select {
	case <-done:
		t.Fatalf("second SendHeader should have blocked with zero credits")
	case <-time.After(50 * time.Millisecond):
	}

	if err := sender.OnCreditGranted(1); err != nil {
		t.Fatalf("grant credit: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second header after credit: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("SendHeader did not unblock after credit grant")
	}
}

func TestKeepaliveSendsPingThenTimesOut(t *testing.T) {
	cfg := &config.Transport{InitialCredits: 16, KeepaliveEvery: 30 * time.Second, KeepaliveExpiry: 90 * time.Second}
	a, _ := newPipe()
	s := NewSession(a, true, cfg, nil)
	defer s.Close()

	base := time.Now()
	if action := s.CheckKeepalive(base); action != ActionNone {
		t.Fatalf("expected no action immediately, got %v", action)
	}
	if action := s.CheckKeepalive(base.Add(31 * time.Second)); action != ActionSendPing {
		t.Fatalf("expected ping after 31s idle, got %v", action)
	}
	if action := s.CheckKeepalive(base.Add(45 * time.Second)); action != ActionNone {
		t.Fatalf("expected no repeat action while ping outstanding, got %v", action)
	}
	if action := s.CheckKeepalive(base.Add(122 * time.Second)); action != ActionTimeout {
		t.Fatalf("expected timeout once ping has been outstanding past expiry, got %v", action)
	}
}

func TestManagerSessionCount(t *testing.T) {
	cfg := &config.Transport{InitialCredits: 16, KeepaliveEvery: time.Hour, KeepaliveExpiry: time.Hour}
	a, b := newPipe()
	s := NewSession(a, true, cfg, nil)
	t2 := NewSession(b, false, cfg, nil)
	defer s.Close()
	defer t2.Close()

	m := NewManager(nil)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.Register("peer-a", s) }()
	go func() { defer wg.Done(); m.Register("peer-b", t2) }()
	wg.Wait()

	if m.SessionCount() != 2 {
		t.Fatalf("expected 2 sessions, got %d", m.SessionCount())
	}
	m.Unregister("peer-a")
	if m.SessionCount() != 1 {
		t.Fatalf("expected 1 session after unregister, got %d", m.SessionCount())
	}
}
