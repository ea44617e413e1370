package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/paraloom/go-p2p/types"
)

const (
	routeDirect    = "direct"
	routeBroadcast = "broadcast"

	// rateLimitBlockDuration is how long a peer exceeding its inbound rate is blocked.
	rateLimitBlockDuration = time.Minute
)

// eventLoop is the single consumer of inbound events and outbound requests. It exits when ctx
// is canceled or the gossip subscription fails for good.
func (p *Protocol) eventLoop(ctx context.Context) {
	defer p.shutdownLoop()

	limiter := newPeerLimiter(p.config.MessagesPerSecond, p.config.MessageBurst)

	for {
		select {
		case <-ctx.Done():
			p.logger.Infof("[Protocol] shutting down")
			return

		case <-p.transportClosed:
			p.logger.Errorf("[Protocol] transport closed, stopping event loop")
			return

		case ev := <-p.events:
			p.handleEvent(ev, limiter)

		case out := <-p.outbound:
			p.deliver(ctx, out)
		}
	}
}

// shutdownLoop marks the channel closed, releases the dispatcher and reports the queued
// messages that will never be sent.
func (p *Protocol) shutdownLoop() {
	p.closeDone()
	p.cancel()
	close(p.dispatch)

	for {
		select {
		case out := <-p.outbound:
			p.metrics.dropped.WithLabelValues(dropAbandoned).Inc()
			p.logger.Warnf("[Protocol] abandoning queued %s for %s", out.msg.Kind, out.target())
		default:
			p.setState(StateStopped)
			return
		}
	}
}

func (p *Protocol) handleEvent(ev event, limiter *peerLimiter) {
	switch ev.kind {
	case eventConnected:
		p.peerConnTimes.LoadOrStore(ev.peer, time.Now())
		p.metrics.connectedPeers.Set(float64(len(p.host.Network().Peers())))
		p.logger.Debugf("[Protocol] peer connected: %s", ev.peer)

	case eventDisconnected:
		if p.host.Network().Connectedness(ev.peer) != network.Connected {
			p.peerConnTimes.Delete(ev.peer)
			limiter.forget(ev.peer)
		}

		p.metrics.connectedPeers.Set(float64(len(p.host.Network().Peers())))
		p.logger.Debugf("[Protocol] peer disconnected: %s", ev.peer)

	case eventMessage:
		p.handleInbound(ev, limiter)
	}
}

func (p *Protocol) handleInbound(ev event, limiter *peerLimiter) {
	allowed, exceeded := limiter.allow(ev.peer)
	if !allowed {
		p.metrics.dropped.WithLabelValues(dropRateLimited).Inc()

		if exceeded {
			p.gater.BlockPeer(ev.peer, rateLimitBlockDuration)
			_ = p.host.Network().ClosePeer(ev.peer)
			p.logger.Warnf("[Protocol] peer %s exceeded its message rate, blocked for %s", ev.peer, rateLimitBlockDuration)
		}

		return
	}

	env, err := decodeEnvelope(ev.data)
	if err != nil {
		reason := dropInvalid
		if errors.Is(err, ErrIncompatibleVersion) {
			reason = dropIncompatible
		}

		p.metrics.dropped.WithLabelValues(reason).Inc()
		p.logger.Warnf("[Protocol] discarding message from %s: %v", ev.peer, err)

		return
	}

	p.metrics.received.WithLabelValues(env.Kind.String()).Inc()
	p.metrics.bytesReceived.Add(float64(len(ev.data)))
	p.logger.Debugf("[Protocol] received %s from %s via %s (id %s)", env.Kind, ev.peer, ev.route, env.ID)

	in := inbound{source: types.NodeIDFromPeer(ev.peer), msg: env.message(), id: env.ID}

	select {
	case p.dispatch <- in:
	default:
		p.metrics.dropped.WithLabelValues(dropDispatchFull).Inc()
		p.logger.Warnf("[Protocol] dispatch queue full, dropping %s from %s", env.Kind, ev.peer)
	}
}

// deliver encodes and sends one outbound message. Failures are logged and the message is
// dropped.
func (p *Protocol) deliver(ctx context.Context, out outbound) {
	data, id, err := encodeEnvelope(out.msg)
	if err != nil {
		p.metrics.dropped.WithLabelValues(dropInvalid).Inc()
		p.logger.Errorf("[Protocol] error encoding %s: %v", out.msg.Kind, err)

		return
	}

	if len(data) > p.config.MaxMessageSize {
		p.metrics.dropped.WithLabelValues(dropOversized).Inc()
		p.logger.Errorf("[Protocol] %s is %d bytes, above the %d byte limit", out.msg.Kind, len(data), p.config.MaxMessageSize)

		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	defer cancel()

	route := routeDirect

	if out.broadcast {
		route = routeBroadcast
		err = p.topic.Publish(sendCtx, data)
	} else {
		err = p.sendDirect(sendCtx, out.peer, data)
	}

	if err != nil {
		reason := dropSendFailed
		if errors.Is(err, errNotConnected) {
			reason = dropNotConnected
		}

		p.metrics.dropped.WithLabelValues(reason).Inc()
		p.logger.Warnf("[Protocol] dropping %s for %s: %v", out.msg.Kind, out.target(), err)

		return
	}

	p.metrics.sent.WithLabelValues(out.msg.Kind.String(), route).Inc()
	p.metrics.bytesSent.Add(float64(len(data)))
	p.logger.Debugf("[Protocol] sent %s to %s (id %s)", out.msg.Kind, out.target(), id)
}

var errNotConnected = errors.New("peer not connected")

func (p *Protocol) sendDirect(ctx context.Context, peerID types.NodeID, data []byte) (err error) {
	pid, err := peerID.PeerID()
	if err != nil {
		return err
	}

	if p.host.Network().Connectedness(pid) != network.Connected {
		return errNotConnected
	}

	st, err := p.host.NewStream(ctx, pid, protocol.ID(p.config.ProtocolID))
	if err != nil {
		return fmt.Errorf("error opening stream: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = st.SetWriteDeadline(deadline)
	}

	if _, err = st.Write(data); err != nil {
		_ = st.Reset()
		return fmt.Errorf("error writing stream: %w", err)
	}

	return st.Close()
}

// handleStream reads one message from a direct stream and queues it for the event loop.
func (p *Protocol) handleStream(st network.Stream) {
	defer func() {
		_ = st.Close()
	}()

	remote := st.Conn().RemotePeer()

	_ = st.SetReadDeadline(time.Now().Add(p.config.SendTimeout))

	data, err := io.ReadAll(io.LimitReader(st, int64(p.config.MaxMessageSize)+1))
	if err != nil {
		_ = st.Reset()
		p.logger.Debugf("[Protocol] error reading stream from %s: %v", remote, err)

		return
	}

	if len(data) > p.config.MaxMessageSize {
		p.metrics.dropped.WithLabelValues(dropOversized).Inc()
		p.logger.Warnf("[Protocol] message from %s exceeds %d bytes", remote, p.config.MaxMessageSize)

		return
	}

	p.queueInbound(remote, data, routeDirect)
}

// readSubscription feeds gossip messages to the event loop. A failing subscription closes
// the transport signal, which ends the loop.
func (p *Protocol) readSubscription(ctx context.Context, sub *pubsub.Subscription) error {
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			p.transportOnce.Do(func() { close(p.transportClosed) })

			return fmt.Errorf("[Protocol] error reading from topic %s: %w", p.config.TopicName, err)
		}

		from := m.GetFrom()
		if from == p.host.ID() {
			continue
		}

		p.queueInbound(from, m.Data, routeBroadcast)
	}
}

func (p *Protocol) queueInbound(from peer.ID, data []byte, route string) {
	select {
	case p.events <- event{kind: eventMessage, peer: from, data: data, route: route}:
	case <-p.ctx.Done():
	}
}

// dispatchLoop hands inbound messages to the handler one at a time, in arrival order.
func (p *Protocol) dispatchLoop(ctx context.Context, handler Handler) {
	for in := range p.dispatch {
		if ctx.Err() != nil {
			p.logger.Debugf("[Protocol] discarding %s from %s during shutdown", in.msg.Kind, in.source)
			continue
		}

		if handler == nil {
			p.logger.Debugf("[Protocol] no handler installed, ignoring %s from %s", in.msg.Kind, in.source)
			continue
		}

		if err := handler.HandleMessage(ctx, in.source, in.msg); err != nil {
			p.metrics.handlerErrors.Inc()
			p.logger.Errorf("[Protocol] %v", fmt.Errorf("%w: %s from %s (id %s): %w", ErrHandler, in.msg.Kind, in.source, in.id, err))
		}
	}
}

func (o outbound) target() string {
	if o.broadcast {
		return "topic"
	}

	return o.peer.String()
}
