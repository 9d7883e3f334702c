package broker

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/hypertcp/hypertcp/internal/metrics"
	"github.com/hypertcp/hypertcp/internal/protocol"
)

// Router dispatches JSON message objects to their targets. Messages travel
// as raw maps: the router stamps the sender and otherwise preserves every
// client-set field. It never writes a socket itself: deliveries are enqueued
// onto recipient mailboxes over a snapshot taken from the registry, so a
// recipient torn down mid-iteration cannot abort delivery to the others.
type Router struct {
	reg *Registry
	log zerolog.Logger
}

// NewRouter creates a router over the given registry.
func NewRouter(reg *Registry, logger zerolog.Logger) *Router {
	return &Router{reg: reg, log: logger}
}

// Route stamps the sender's device id onto msg and dispatches by target:
// "broadcast" fans out to every authenticated client, "server" is handled
// internally, anything else is looked up as a device group. Delivery is
// best-effort; an unknown target is logged and dropped.
func (rt *Router) Route(senderDeviceID string, msg map[string]any) {
	msg[protocol.EnvelopeFrom] = senderDeviceID

	target, _ := msg[protocol.EnvelopeTargetID].(string)
	switch target {
	case protocol.TargetBroadcast:
		rt.deliverBroadcast(msg)
	case protocol.TargetServer:
		rt.handleServerMessage(senderDeviceID, msg)
	default:
		conns := rt.reg.LookupDevice(target)
		if len(conns) == 0 {
			metrics.RoutingMisses.Inc()
			rt.log.Warn().
				Str("from", senderDeviceID).
				Str("target", target).
				Msg("Target device not found, message dropped")
			return
		}
		frame, ok := messageFrame(msg)
		if !ok {
			return
		}
		for _, c := range conns {
			rt.deliver(c, frame, metrics.DeliveryDirect)
		}
	}
}

// Broadcast stamps the sender's device id and fans the message out to every
// authenticated connection, the sender and admins included.
func (rt *Router) Broadcast(senderDeviceID string, msg map[string]any) {
	msg[protocol.EnvelopeFrom] = senderDeviceID
	rt.deliverBroadcast(msg)
}

func (rt *Router) deliverBroadcast(msg map[string]any) {
	frame, ok := messageFrame(msg)
	if !ok {
		return
	}
	for _, c := range rt.reg.BroadcastRecipients() {
		rt.deliver(c, frame, metrics.DeliveryBroadcast)
	}
}

// deliver enqueues one encoded frame. A refused enqueue (closed or full
// mailbox) tears the recipient down; the sender's operation is unaffected.
func (rt *Router) deliver(c *Conn, frame []byte, kind string) {
	if c.enqueue(frame) {
		metrics.DeliveriesTotal.WithLabelValues(kind).Inc()
		return
	}
	rt.log.Warn().Str("client", c.ID).Msg("Recipient mailbox unavailable, closing connection")
	c.closeTransport()
}

// handleServerMessage consumes messages addressed to "server". The core
// broker has no server-side commands beyond the ping convention, which the
// session answers before routing; everything else is acknowledged by the
// frame-level RESPONSE and logged here.
func (rt *Router) handleServerMessage(senderDeviceID string, msg map[string]any) {
	rt.log.Debug().
		Str("from", senderDeviceID).
		Interface("payload", msg[protocol.EnvelopePayload]).
		Msg("Message addressed to server")
}

// messageFrame encodes a message object as a JSON_MESSAGE delivery frame.
func messageFrame(msg map[string]any) ([]byte, bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	buf, err := protocol.EncodeFrame(protocol.Frame{Type: protocol.CmdJSONMessage, Payload: payload})
	if err != nil {
		return nil, false
	}
	return buf, true
}
