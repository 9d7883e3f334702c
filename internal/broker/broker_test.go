package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hypertcp/hypertcp/internal/config"
	"github.com/hypertcp/hypertcp/internal/protocol"
)

const testDeviceToken = "test_device_token"

func startBroker(t *testing.T) *Server {
	t.Helper()
	cfg := config.BrokerConfig{
		Host:        "127.0.0.1",
		Port:        0,
		DeviceToken: testDeviceToken,
	}
	srv := New(cfg, nil, zerolog.New(zerolog.NewTestWriter(t)))
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		<-srv.Done()
	})
	return srv
}

// testClient is a minimal HyperTCP client speaking raw frames over TCP.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialBroker(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) sendFrame(typ byte, msgID uint16, payload []byte) {
	c.t.Helper()
	if err := protocol.WriteFrame(c.conn, protocol.Frame{Type: typ, MsgID: msgID, Payload: payload}); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func (c *testClient) sendJSON(typ byte, msgID uint16, v any) {
	c.t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal payload: %v", err)
	}
	c.sendFrame(typ, msgID, payload)
}

func (c *testClient) readFrame() protocol.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := protocol.ReadFrame(c.conn)
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	return f
}

func (c *testClient) readJSON() (protocol.Frame, map[string]any) {
	c.t.Helper()
	f := c.readFrame()
	var m map[string]any
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		c.t.Fatalf("unmarshal payload %q: %v", f.Payload, err)
	}
	return f, m
}

// expectClosed asserts the server has closed the connection. The close may
// surface as EOF or a reset depending on timing; only a successful read or a
// deadline hit means the connection is still alive.
func (c *testClient) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := protocol.ReadFrame(c.conn)
	if err == nil {
		c.t.Fatalf("connection still open, read frame type %d", f.Type)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		c.t.Fatal("connection still open, read timed out")
	}
}

// login authenticates the client and returns the server-assigned client id
// from the welcome message.
func (c *testClient) login(token, deviceID string) string {
	c.t.Helper()
	c.sendJSON(protocol.CmdLogin, 1, map[string]string{"token": token, "device_id": deviceID})

	resp := c.readFrame()
	if resp.Type != protocol.CmdResponse || resp.MsgID != 1 {
		c.t.Fatalf("login response = type %d msgid %d", resp.Type, resp.MsgID)
	}
	if len(resp.Payload) != 1 || resp.Payload[0] != protocol.StatusSuccess {
		c.t.Fatalf("login status payload = %v", resp.Payload)
	}

	f, welcome := c.readJSON()
	if f.Type != protocol.CmdJSONMessage || welcome["type"] != "welcome" {
		c.t.Fatalf("welcome = %v", welcome)
	}
	clientID, _ := welcome["clientId"].(string)
	if clientID == "" {
		c.t.Fatal("welcome missing clientId")
	}
	return clientID
}

func waitForStats(t *testing.T, srv *Server, conns, devices, admins int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, d, a := srv.Registry().Stats()
		if c == conns && d == devices && a == admins {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	c, d, a := srv.Registry().Stats()
	t.Fatalf("registry stats = %d/%d/%d, want %d/%d/%d", c, d, a, conns, devices, admins)
}

func TestLoginAndPing(t *testing.T) {
	srv := startBroker(t)
	c := dialBroker(t, srv.Addr())
	c.login(testDeviceToken, "sensor_1")

	c.sendFrame(protocol.CmdPing, 2, nil)
	resp := c.readFrame()
	if resp.Type != protocol.CmdResponse || resp.MsgID != 2 {
		t.Fatalf("ping response = type %d msgid %d", resp.Type, resp.MsgID)
	}
	if len(resp.Payload) != 0 {
		t.Fatalf("ping ack payload = %v, want empty", resp.Payload)
	}
}

func TestLegacyRawTokenLogin(t *testing.T) {
	srv := startBroker(t)
	c := dialBroker(t, srv.Addr())
	c.sendFrame(protocol.CmdLogin, 1, []byte(testDeviceToken))

	resp := c.readFrame()
	if resp.Type != protocol.CmdResponse || len(resp.Payload) != 1 || resp.Payload[0] != protocol.StatusSuccess {
		t.Fatalf("legacy login response = %+v", resp)
	}
	_, welcome := c.readJSON()
	if welcome["type"] != "welcome" {
		t.Fatalf("welcome = %v", welcome)
	}
	waitForStats(t, srv, 1, 1, 0)
}

func TestInvalidTokenClosesConnection(t *testing.T) {
	srv := startBroker(t)
	c := dialBroker(t, srv.Addr())
	c.sendJSON(protocol.CmdLogin, 1, map[string]string{"token": "wrong", "device_id": "sensor_1"})

	resp := c.readFrame()
	if resp.Type != protocol.CmdResponse || len(resp.Payload) != 1 || resp.Payload[0] != protocol.StatusInvalidToken {
		t.Fatalf("rejection = %+v", resp)
	}
	c.expectClosed()
	waitForStats(t, srv, 0, 0, 0)
}

func TestUnauthenticatedFrameRefused(t *testing.T) {
	srv := startBroker(t)
	c := dialBroker(t, srv.Addr())
	c.sendJSON(protocol.CmdJSONMessage, 3, map[string]any{"targetId": "x", "payload": map[string]any{}})

	resp := c.readFrame()
	if resp.Type != protocol.CmdResponse || resp.MsgID != 3 {
		t.Fatalf("refusal = type %d msgid %d", resp.Type, resp.MsgID)
	}
	if len(resp.Payload) != 1 || resp.Payload[0] != protocol.StatusNotAuthenticated {
		t.Fatalf("refusal payload = %v", resp.Payload)
	}
	c.expectClosed()
	waitForStats(t, srv, 0, 0, 0)
}

// runPipeSession drives a session directly over one end of a net.Pipe.
// Unlike loopback TCP there is no kernel buffer: a reply only leaves the
// server if the writer is still alive to deliver it.
func runPipeSession(t *testing.T, srv *Server) (net.Conn, <-chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	done := make(chan struct{})
	go func() {
		newSession(srv, server).run()
		close(done)
	}()
	return client, done
}

func TestRejectedLoginReplyFlushedBeforeClose(t *testing.T) {
	srv := New(config.BrokerConfig{DeviceToken: testDeviceToken}, nil, zerolog.New(zerolog.NewTestWriter(t)))

	for i := 0; i < 50; i++ {
		client, done := runPipeSession(t, srv)

		payload, err := json.Marshal(map[string]string{"token": "wrong", "device_id": "sensor_1"})
		if err != nil {
			t.Fatal(err)
		}
		if err := protocol.WriteFrame(client, protocol.Frame{Type: protocol.CmdLogin, MsgID: 1, Payload: payload}); err != nil {
			t.Fatalf("iteration %d: write login: %v", i, err)
		}

		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := protocol.ReadFrame(client)
		if err != nil {
			t.Fatalf("iteration %d: rejection reply lost: %v", i, err)
		}
		if f.Type != protocol.CmdResponse || f.MsgID != 1 || len(f.Payload) != 1 || f.Payload[0] != protocol.StatusInvalidToken {
			t.Fatalf("iteration %d: rejection = %+v", i, f)
		}
		if _, err := protocol.ReadFrame(client); err == nil {
			t.Fatalf("iteration %d: connection left open after rejection", i)
		}
		client.Close()
		<-done
	}
}

func TestUnauthenticatedReplyFlushedBeforeClose(t *testing.T) {
	srv := New(config.BrokerConfig{DeviceToken: testDeviceToken}, nil, zerolog.New(zerolog.NewTestWriter(t)))
	client, done := runPipeSession(t, srv)

	if err := protocol.WriteFrame(client, protocol.Frame{Type: protocol.CmdPing, MsgID: 2}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := protocol.ReadFrame(client)
	if err != nil {
		t.Fatalf("refusal reply lost: %v", err)
	}
	if f.Type != protocol.CmdResponse || f.MsgID != 2 || len(f.Payload) != 1 || f.Payload[0] != protocol.StatusNotAuthenticated {
		t.Fatalf("refusal = %+v", f)
	}
	if _, err := protocol.ReadFrame(client); err == nil {
		t.Fatal("connection left open after refusal")
	}
	client.Close()
	<-done
}

func TestRoutingPreservesClientFields(t *testing.T) {
	srv := startBroker(t)

	a := dialBroker(t, srv.Addr())
	b := dialBroker(t, srv.Addr())
	a.login(testDeviceToken, "A")
	b.login(testDeviceToken, "B")

	b.sendJSON(protocol.CmdJSONMessage, 5, map[string]any{
		"targetId": "A",
		"payload":  map[string]any{"reading": 1.5},
		"priority": "high",
		"ttl":      30,
	})

	_, msg := a.readJSON()
	if msg["from"] != "B" || msg["targetId"] != "A" {
		t.Fatalf("delivery = %v", msg)
	}
	// Fields beside targetId/payload travel through untouched.
	if msg["priority"] != "high" || msg["ttl"] != float64(30) {
		t.Fatalf("client fields dropped: %v", msg)
	}

	if ack := b.readFrame(); ack.Type != protocol.CmdResponse || ack.MsgID != 5 {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestDirectRoutingToAllDeviceConnections(t *testing.T) {
	srv := startBroker(t)

	a1 := dialBroker(t, srv.Addr())
	a2 := dialBroker(t, srv.Addr())
	b := dialBroker(t, srv.Addr())
	a1.login(testDeviceToken, "A")
	a2.login(testDeviceToken, "A")
	b.login(testDeviceToken, "B")

	b.sendJSON(protocol.CmdJSONMessage, 7, map[string]any{
		"targetId": "A",
		"payload":  map[string]any{"reading": 42.5},
	})

	for _, recv := range []*testClient{a1, a2} {
		f, msg := recv.readJSON()
		if f.Type != protocol.CmdJSONMessage {
			t.Fatalf("delivery type = %d", f.Type)
		}
		if msg["from"] != "B" || msg["targetId"] != "A" {
			t.Fatalf("delivery = %v", msg)
		}
		payload := msg["payload"].(map[string]any)
		if payload["reading"] != 42.5 {
			t.Fatalf("payload = %v", payload)
		}
	}

	ack := b.readFrame()
	if ack.Type != protocol.CmdResponse || ack.MsgID != 7 || len(ack.Payload) != 0 {
		t.Fatalf("sender ack = %+v", ack)
	}
}

func TestRoutingMissDropsSilently(t *testing.T) {
	srv := startBroker(t)
	c := dialBroker(t, srv.Addr())
	c.login(testDeviceToken, "A")

	c.sendJSON(protocol.CmdJSONMessage, 4, map[string]any{
		"targetId": "no_such_device",
		"payload":  map[string]any{"x": 1},
	})

	// The sender still gets its ack; the message itself is dropped.
	ack := c.readFrame()
	if ack.Type != protocol.CmdResponse || ack.MsgID != 4 || len(ack.Payload) != 0 {
		t.Fatalf("ack after miss = %+v", ack)
	}
}

func TestBroadcastReachesEveryone(t *testing.T) {
	srv := startBroker(t)

	x := dialBroker(t, srv.Addr())
	y := dialBroker(t, srv.Addr())
	x.login(testDeviceToken, "X")
	y.login(testDeviceToken, "Y")

	z := dialBroker(t, srv.Addr())
	z.login("admin_token", "admin_1")
	// The admin joined after X and Y: drain its snapshot first.
	for i := 0; i < 2; i++ {
		_, ev := z.readJSON()
		if ev["event"] != protocol.EventDeviceStatus {
			t.Fatalf("snapshot event = %v", ev)
		}
	}

	x.sendJSON(protocol.CmdBroadcast, 9, map[string]any{
		"targetId": "broadcast",
		"payload":  map[string]any{"alert": "high"},
	})

	// Every authenticated connection gets a copy, the sender included.
	for _, recv := range []*testClient{y, z} {
		f, msg := recv.readJSON()
		if f.Type != protocol.CmdJSONMessage || msg["from"] != "X" {
			t.Fatalf("broadcast delivery = type %d %v", f.Type, msg)
		}
	}

	// X receives its own copy and the ack; accept either order.
	var gotCopy, gotAck bool
	for i := 0; i < 2; i++ {
		f := x.readFrame()
		switch f.Type {
		case protocol.CmdJSONMessage:
			var msg map[string]any
			if err := json.Unmarshal(f.Payload, &msg); err != nil || msg["from"] != "X" {
				t.Fatalf("self copy = %s (%v)", f.Payload, err)
			}
			gotCopy = true
		case protocol.CmdResponse:
			if f.MsgID != 9 || len(f.Payload) != 0 {
				t.Fatalf("broadcast ack = %+v", f)
			}
			gotAck = true
		default:
			t.Fatalf("unexpected frame type %d", f.Type)
		}
	}
	if !gotCopy || !gotAck {
		t.Fatalf("sender got copy=%v ack=%v", gotCopy, gotAck)
	}
}

func TestAdminSnapshotAndLifecycleFeed(t *testing.T) {
	srv := startBroker(t)

	p := dialBroker(t, srv.Addr())
	q := dialBroker(t, srv.Addr())
	pID := p.login(testDeviceToken, "P")
	q.login(testDeviceToken, "Q")
	waitForStats(t, srv, 2, 2, 0)

	admin := dialBroker(t, srv.Addr())
	admin.login("admin_token", "admin_1")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		_, ev := admin.readJSON()
		if ev["event"] != protocol.EventDeviceStatus || ev["status"] != "connected" {
			t.Fatalf("snapshot event = %v", ev)
		}
		if up, ok := ev["uptime"].(float64); !ok || up < 0 {
			t.Fatalf("uptime = %v", ev["uptime"])
		}
		seen[ev["deviceId"].(string)] = true
	}
	if !seen["P"] || !seen["Q"] {
		t.Fatalf("snapshot devices = %v", seen)
	}

	p.conn.Close()
	_, ev := admin.readJSON()
	if ev["event"] != protocol.EventDeviceDisconnected || ev["deviceId"] != "P" {
		t.Fatalf("disconnect event = %v", ev)
	}
	if ev["clientId"] != pID {
		t.Fatalf("disconnect clientId = %v, want %v", ev["clientId"], pID)
	}
	if d, ok := ev["connectionDuration"].(float64); !ok || d < 0 {
		t.Fatalf("connectionDuration = %v", ev["connectionDuration"])
	}

	// A later connect shows up as a live event.
	r := dialBroker(t, srv.Addr())
	r.login(testDeviceToken, "R")
	_, ev = admin.readJSON()
	if ev["event"] != protocol.EventDeviceConnected || ev["deviceId"] != "R" {
		t.Fatalf("connect event = %v", ev)
	}
}

func TestPayloadPingGetsPong(t *testing.T) {
	srv := startBroker(t)
	c := dialBroker(t, srv.Addr())
	c.login(testDeviceToken, "sensor_1")

	c.sendJSON(protocol.CmdJSONMessage, 11, map[string]any{
		"targetId": "server",
		"payload":  map[string]any{"command": "ping", "nonce": 42},
	})

	var gotPong, gotAck bool
	for i := 0; i < 2; i++ {
		f := c.readFrame()
		switch f.Type {
		case protocol.CmdJSONMessage:
			var pong map[string]any
			if err := json.Unmarshal(f.Payload, &pong); err != nil {
				t.Fatalf("pong payload: %v", err)
			}
			if pong["type"] != "pong" || pong["command"] != "pong" {
				t.Fatalf("pong stamps = %v", pong)
			}
			// Fields from the ping survive the merge.
			if pong["nonce"] != float64(42) {
				t.Fatalf("pong nonce = %v", pong["nonce"])
			}
			if _, ok := pong["timestamp"].(float64); !ok {
				t.Fatalf("pong timestamp = %v", pong["timestamp"])
			}
			gotPong = true
		case protocol.CmdResponse:
			if f.MsgID != 11 || len(f.Payload) != 0 {
				t.Fatalf("ping ack = %+v", f)
			}
			gotAck = true
		default:
			t.Fatalf("unexpected frame type %d", f.Type)
		}
	}
	if !gotPong || !gotAck {
		t.Fatalf("gotPong=%v gotAck=%v", gotPong, gotAck)
	}
}

func TestUnknownCommandKeepsSessionOpen(t *testing.T) {
	srv := startBroker(t)
	c := dialBroker(t, srv.Addr())
	c.login(testDeviceToken, "sensor_1")

	c.sendFrame(0x99, 5, nil)
	resp := c.readFrame()
	if resp.Type != protocol.CmdResponse || resp.MsgID != 5 {
		t.Fatalf("response = type %d msgid %d", resp.Type, resp.MsgID)
	}
	if len(resp.Payload) != 1 || resp.Payload[0] != protocol.StatusInvalidCommand {
		t.Fatalf("status payload = %v", resp.Payload)
	}

	// The session survives the unknown command.
	c.sendFrame(protocol.CmdPing, 6, nil)
	if resp := c.readFrame(); resp.Type != protocol.CmdResponse || resp.MsgID != 6 {
		t.Fatalf("ping after unknown command = %+v", resp)
	}
}

func TestMalformedJSONMessageDropped(t *testing.T) {
	srv := startBroker(t)
	c := dialBroker(t, srv.Addr())
	c.login(testDeviceToken, "sensor_1")

	c.sendFrame(protocol.CmdJSONMessage, 8, []byte("{not json"))

	// No ack for a dropped message; the session itself stays up.
	c.sendFrame(protocol.CmdPing, 9, nil)
	resp := c.readFrame()
	if resp.Type != protocol.CmdResponse || resp.MsgID != 9 {
		t.Fatalf("frame after malformed message = %+v", resp)
	}
}

func TestDuplicateLoginAcknowledged(t *testing.T) {
	srv := startBroker(t)
	c := dialBroker(t, srv.Addr())
	c.login(testDeviceToken, "sensor_1")

	c.sendJSON(protocol.CmdLogin, 2, map[string]string{"token": testDeviceToken, "device_id": "other"})
	resp := c.readFrame()
	if resp.Type != protocol.CmdResponse || resp.MsgID != 2 {
		t.Fatalf("duplicate login response = %+v", resp)
	}
	if len(resp.Payload) != 1 || resp.Payload[0] != protocol.StatusSuccess {
		t.Fatalf("duplicate login status = %v", resp.Payload)
	}

	// The original identity is unchanged.
	if group := srv.Registry().LookupDevice("other"); group != nil {
		t.Fatalf("duplicate login re-registered the device: %v", group)
	}
	if group := srv.Registry().LookupDevice("sensor_1"); len(group) != 1 {
		t.Fatalf("original group = %v", group)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	srv := startBroker(t)
	c := dialBroker(t, srv.Addr())
	c.login(testDeviceToken, "sensor_1")

	srv.Shutdown()
	c.expectClosed()
}
