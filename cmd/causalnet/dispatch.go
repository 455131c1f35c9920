package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/sandwichfarm/causalnet/internal/node"
	"github.com/sandwichfarm/causalnet/internal/ops"
	"github.com/sandwichfarm/causalnet/internal/proto"
	"github.com/sandwichfarm/causalnet/internal/reactor"
	"github.com/sandwichfarm/causalnet/internal/relay"
	"github.com/sandwichfarm/causalnet/internal/transport"
)

// envelope is the outer tag every application payload rides in a Header
// frame, distinguishing relay control traffic from node update/delta
// traffic sharing the same multiplexed Session (spec.md §4.6 and §4.8 name
// no shared wire discriminator, so this process picks one).
type envelope struct {
	Class   string          `json:"class"` // "relay" | "update" | "delta"
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(class string, payload []byte) ([]byte, error) {
	buf, err := json.Marshal(envelope{Class: class, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode envelope: %w", err)
	}
	return buf, nil
}

// peerSession is one connected peer's transport session plus its relay
// client state. The node is shared across every peer.
type peerSession struct {
	id     proto.PeerId
	sess   *transport.Session
	peer   *relay.Peer
	app    *app
	logger *ops.Logger
}

// serve drives one peer connection: a keepalive ticker alongside a blocking
// read loop. It returns once the session closes.
func (ps *peerSession) serve(ctx context.Context) {
	go ps.pump(ctx)
	go ps.keepaliveLoop(ctx)

	for {
		f, err := ps.sess.ReadFrame()
		if err != nil {
			ps.logger.Warn("dispatch: session read failed, closing", "peer", ps.id, "error", err)
			_ = ps.sess.Close()
			return
		}
		switch f.Type {
		case transport.FrameHandshake:
			_ = ps.sess.SendHandshakeAck([]byte(ps.app.cfg.Node.ID))
		case transport.FramePing:
			_ = ps.sess.SendPong()
		case transport.FrameHeader:
			if err := ps.handlePayload(ctx, f.Payload); err != nil {
				ps.logger.Error("dispatch: handle payload failed", "peer", ps.id, "error", err)
			}
			_ = ps.sess.SendCredit(f.StreamId, 1)
		case transport.FrameClose:
			_ = ps.sess.Close()
			return
		}
	}
}

// pump drains this peer's relay outbox onto the wire.
func (ps *peerSession) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ps.peer.Outbox():
			if !ok {
				return
			}
			buf, err := relay.EncodeMessage(msg)
			if err != nil {
				ps.logger.Error("dispatch: encode relay message failed", "peer", ps.id, "error", err)
				continue
			}
			env, err := encodeEnvelope("relay", buf)
			if err != nil {
				ps.logger.Error("dispatch: encode envelope failed", "peer", ps.id, "error", err)
				continue
			}
			streamID := ps.sess.AllocateStreamId()
			if err := ps.sess.SendHeader(streamID, env); err != nil {
				ps.logger.Warn("dispatch: send relay message failed, dropping peer", "peer", ps.id, "error", err)
				return
			}
		}
	}
}

func (ps *peerSession) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			switch ps.sess.CheckKeepalive(now) {
			case transport.ActionSendPing:
				_ = ps.sess.SendPing()
			case transport.ActionTimeout:
				ps.logger.Warn("dispatch: peer keepalive timed out", "peer", ps.id)
				_ = ps.sess.Close()
				return
			}
		}
	}
}

func (ps *peerSession) handlePayload(ctx context.Context, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Class {
	case "relay":
		msg, err := relay.DecodeMessage(env.Payload)
		if err != nil {
			return fmt.Errorf("decode relay message: %w", err)
		}
		return ps.handleRelayMessage(msg)
	case "update":
		upd, err := node.DecodeUpdate(env.Payload)
		if err != nil {
			return fmt.Errorf("decode update: %w", err)
		}
		change, err := ps.app.node.ApplyUpdate(ctx, ps.id, upd)
		if err != nil {
			return fmt.Errorf("apply update: %w", err)
		}
		ps.app.node.Reactor().Notify([]reactor.EntityChange{change})
		return nil
	case "delta":
		delta, err := node.DecodeDelta(env.Payload)
		if err != nil {
			return fmt.Errorf("decode delta: %w", err)
		}
		_, err = ps.app.node.ApplyDeltas(ctx, ps.id, []node.Delta{delta}, func(c reactor.EntityChange) {
			ps.app.node.Reactor().Notify([]reactor.EntityChange{c})
		})
		if err != nil {
			return fmt.Errorf("apply delta: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown envelope class %q", env.Class)
	}
}

// handleRelayMessage routes the response-shaped relay messages. This
// process only plays the relay client role: it mirrors its own
// subscriptions onto upstream peers but does not yet answer other peers'
// QuerySubscribe/Fetch requests (see DESIGN.md).
func (ps *peerSession) handleRelayMessage(msg relay.Message) error {
	switch m := msg.(type) {
	case relay.QuerySubscribed:
		ps.peer.HandleQuerySubscribed(m)
		return nil
	case relay.SubscriptionUpdate:
		return ps.peer.HandleSubscriptionUpdate(m)
	case relay.FetchResponse:
		ps.peer.HandleFetchResponse(m)
		return nil
	default:
		ps.logger.Debug("dispatch: ignoring unsupported inbound relay request", "peer", ps.id, "type", fmt.Sprintf("%T", m))
		return nil
	}
}

// acceptLoop serves inbound websocket connections as acceptor sessions
// until ctx is cancelled.
func (a *app) acceptLoop(ctx context.Context) error {
	if a.cfg.Transport.ListenAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		sess := transport.Accept(conn, &a.cfg.Transport, a.logger)
		sess.SetMetrics(a.metrics)
		a.handleNewSession(ctx, sess)
	})
	srv := &http.Server{Addr: a.cfg.Transport.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("transport: listen %s: %w", a.cfg.Transport.ListenAddr, err)
	}
	return nil
}

// dialPeers connects out to every configured dial target as an initiator
// session.
func (a *app) dialPeers(ctx context.Context) {
	for _, target := range a.cfg.Transport.DialTargets {
		target := target
		go func() {
			sess, err := transport.Dial(ctx, target, &a.cfg.Transport, a.logger)
			if err != nil {
				a.logger.Error("dispatch: dial failed", "target", target, "error", err)
				return
			}
			sess.SetMetrics(a.metrics)
			_ = sess.SendHandshake([]byte(a.cfg.Node.ID))
			a.handleNewSession(ctx, sess)
		}()
	}
}

func (a *app) handleNewSession(ctx context.Context, sess *transport.Session) {
	id := proto.PeerId(fmt.Sprintf("peer-%p", sess))
	a.transport.Register(string(id), sess)
	p := relay.NewPeer(id, 256, a.logger, a.metrics)
	a.relay.Register(p)

	ps := &peerSession{id: id, sess: sess, peer: p, app: a, logger: a.logger}
	go func() {
		ps.serve(ctx)
		a.transport.Unregister(string(id))
		a.relay.Unregister(id)
	}()
}
