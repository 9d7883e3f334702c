package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hypertcp/hypertcp/internal/metrics"
)

// Registry indexes live connections: the connection table, the device-id →
// connection-group mapping, and the admin set. All three are mutated only
// through this API, under one mutex with short critical sections. Admin
// lifecycle events are enqueued onto mailboxes inside those critical
// sections, which serializes them against snapshots; actual socket writes
// happen in the sessions' writer goroutines.
type Registry struct {
	log zerolog.Logger

	mu      sync.Mutex
	conns   map[string]*Conn
	devices map[string][]string
	admins  map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		log:     logger,
		conns:   make(map[string]*Conn),
		devices: make(map[string][]string),
		admins:  make(map[string]*Conn),
	}
}

// Register adds a freshly accepted, unauthenticated connection.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.WithLabelValues(metrics.ClassUnauth).Inc()
	r.log.Debug().Str("client", c.ID).Str("remote", c.RemoteAddr).Msg("Connection registered")
}

// AuthenticateDevice promotes c to an authenticated device connection,
// appends it to its device group, and notifies admins.
func (r *Registry) AuthenticateDevice(c *Conn, deviceID string) {
	frame, ok := deviceConnectedFrame(deviceID, c.ID)

	r.mu.Lock()
	c.Authenticated = true
	c.DeviceID = deviceID
	c.Admin = false
	r.devices[deviceID] = append(r.devices[deviceID], c.ID)
	groupSize := len(r.devices[deviceID])
	if ok {
		r.notifyAdminsLocked(frame)
	}
	r.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(metrics.ClassUnauth).Dec()
	metrics.ConnectionsActive.WithLabelValues(metrics.ClassDevice).Inc()
	r.log.Info().
		Str("client", c.ID).
		Str("device", deviceID).
		Int("connections", groupSize).
		Msg("Device authenticated")
}

// AuthenticateAdmin promotes c to an admin connection. The initial
// deviceStatus snapshot is sent separately (SendSnapshot) so the session
// can enqueue the login response and welcome first.
func (r *Registry) AuthenticateAdmin(c *Conn, deviceID string) {
	r.mu.Lock()
	c.Authenticated = true
	c.DeviceID = deviceID
	c.Admin = true
	r.admins[c.ID] = c
	r.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(metrics.ClassUnauth).Dec()
	metrics.ConnectionsActive.WithLabelValues(metrics.ClassAdmin).Inc()
	r.log.Info().Str("client", c.ID).Str("device", deviceID).Msg("Admin authenticated")
}

// SendSnapshot enqueues one deviceStatus event per registered device
// connection onto c's mailbox. Building and enqueueing under the lock gives
// the admin a consistent point-in-time view: any deviceConnected for a
// connect after this lock section is ordered behind the snapshot in the
// mailbox.
func (r *Registry) SendSnapshot(c *Conn) {
	now := time.Now()

	r.mu.Lock()
	for dev, ids := range r.devices {
		for _, id := range ids {
			dc, ok := r.conns[id]
			if !ok {
				continue
			}
			frame, ok := deviceStatusFrame(dev, dc.ID, now.Sub(dc.ConnectedAt).Seconds())
			if !ok {
				continue
			}
			if c.enqueue(frame) {
				metrics.DeliveriesTotal.WithLabelValues(metrics.DeliveryAdminEvent).Inc()
			}
		}
	}
	r.mu.Unlock()
}

// Deregister removes c from every index and closes its mailbox. Idempotent:
// a second call for the same connection is a no-op. If the connection was an
// authenticated device, admins are notified of the disconnect.
func (r *Registry) Deregister(c *Conn) {
	duration := time.Since(c.ConnectedAt)

	r.mu.Lock()
	if _, ok := r.conns[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.ID)

	class := metrics.ClassUnauth
	switch {
	case c.Admin:
		class = metrics.ClassAdmin
		delete(r.admins, c.ID)
	case c.Authenticated:
		class = metrics.ClassDevice
		r.removeFromGroupLocked(c)
		if frame, ok := deviceDisconnectedFrame(c.DeviceID, c.ID, duration.Seconds()); ok {
			r.notifyAdminsLocked(frame)
		}
	}
	r.mu.Unlock()

	c.closeSend()
	metrics.ConnectionsActive.WithLabelValues(class).Dec()
	r.log.Info().
		Str("client", c.ID).
		Str("device", c.DeviceID).
		Float64("duration_s", duration.Seconds()).
		Msg("Connection deregistered")
}

// removeFromGroupLocked drops c from its device group and deletes the group
// once empty. Caller holds r.mu.
func (r *Registry) removeFromGroupLocked(c *Conn) {
	ids, ok := r.devices[c.DeviceID]
	if !ok {
		return
	}
	for i, id := range ids {
		if id == c.ID {
			r.devices[c.DeviceID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(r.devices[c.DeviceID]) == 0 {
		delete(r.devices, c.DeviceID)
		r.log.Debug().Str("device", c.DeviceID).Msg("Device group empty, removed")
	}
}

// notifyAdminsLocked enqueues an event frame to every admin mailbox. Caller
// holds r.mu. A full mailbox drops the event rather than blocking or
// re-entering the registry.
func (r *Registry) notifyAdminsLocked(frame []byte) {
	for _, a := range r.admins {
		if a.enqueue(frame) {
			metrics.DeliveriesTotal.WithLabelValues(metrics.DeliveryAdminEvent).Inc()
		} else {
			r.log.Warn().Str("client", a.ID).Msg("Admin mailbox full, event dropped")
		}
	}
}

// LookupDevice returns a snapshot of the connections in a device group, in
// registration order. Nil when the device is unknown.
func (r *Registry) LookupDevice(deviceID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.devices[deviceID]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// BroadcastRecipients returns a snapshot of every authenticated connection,
// devices and admins alike.
func (r *Registry) BroadcastRecipients() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Authenticated {
			out = append(out, c)
		}
	}
	return out
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Stats reports current table sizes: connections, device groups, admins.
func (r *Registry) Stats() (conns, devices, admins int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns), len(r.devices), len(r.admins)
}

// CloseAll closes the transport of every registered connection. Used at
// shutdown; the read loops observe the close and deregister themselves.
func (r *Registry) CloseAll() {
	for _, c := range r.Connections() {
		c.closeTransport()
	}
}
