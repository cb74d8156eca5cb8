package dispatch

import (
	"net"
	"testing"
	"time"
)

// fakeBroker is a minimal broker-side stand-in: it accepts one connection,
// replies OK to connect/disconnect/ping/publish, and answers subscribe with
// a fixed subscription id followed by one update for it, so Client-level
// tests can exercise the wire path end to end without a real broker.
type fakeBroker struct {
	ln net.Listener
}

func startFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fb := &fakeBroker{ln: ln}
	go fb.serveOne(t)
	return fb
}

func (fb *fakeBroker) port() int {
	return fb.ln.Addr().(*net.TCPAddr).Port
}

func (fb *fakeBroker) serveOne(t *testing.T) {
	conn, err := fb.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		f, err := DecodeFrame(conn)
		if err != nil {
			return
		}
		var resp []byte
		switch f.Method {
		case "connect":
			resp = EncodeRaw(FrameResponse, f.RequestID, f.Method, "secret-1", "<qos><session id='sess-1'/></qos>")
		case "disconnect":
			resp = EncodeRaw(FrameResponse, f.RequestID, f.Method, f.SecretSessionID, "<qos/>")
		case "ping":
			resp = EncodeRaw(FrameResponse, f.RequestID, f.Method, f.SecretSessionID, "<qos><state id='OK'/></qos>")
		case "publish":
			resp = EncodeResponse(f.RequestID, f.Method, f.SecretSessionID, []MessageUnit{{Qos: "<qos><state id='OK'/></qos>"}})
		case "subscribe":
			resp = EncodeResponse(f.RequestID, f.Method, f.SecretSessionID, []MessageUnit{{Qos: "<qos><subscribe id='sub-xyz'/></qos>"}})
		default:
			resp = EncodeException(f.RequestID, f.Method, f.SecretSessionID, "user.illegalArgument", "unhandled method in test broker")
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}

		if f.Method == "subscribe" {
			update := EncodeInvoke("100", "update", f.SecretSessionID,
				[]MessageUnit{{Key: "topic1", Content: []byte("payload"), Qos: "<qos><subscribe id='sub-xyz'/></qos>"}})
			conn.Write(update)
		}
	}
}

func (fb *fakeBroker) close() { fb.ln.Close() }

func newTestClient(t *testing.T, port int, opts ...Opt) *Client {
	t.Helper()
	dbPath := t.TempDir() + "/test.db"
	base := []Opt{
		WithHostname("127.0.0.1"),
		WithPort(port),
		WithQueue(100, 1<<20, dbPath, "node", "q", "XB_"),
		WithDialTimeout(2 * time.Second),
		WithResponseTimeout(2 * time.Second),
	}
	c, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Shutdown() })
	return c
}

func TestClientConnectPublishDisconnect(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.close()

	c := newTestClient(t, fb.port())

	qos, err := c.Connect("<qos/>")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if qos == "" {
		t.Fatal("expected a non-empty connect qos")
	}
	if got := c.getState(); got != StateAlive {
		t.Fatalf("state after connect = %v, want ALIVE", got)
	}

	ack, err := c.Publish(MessageUnit{Key: "k", Content: []byte("v"), Qos: "<qos/>"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ack == "" {
		t.Fatal("expected a non-empty publish ack")
	}

	if err := c.Disconnect("<qos/>"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := c.getState(); got != StateDead {
		t.Fatalf("state after disconnect = %v, want DEAD", got)
	}
	// Idempotent: a second disconnect must be a no-op, not an error.
	if err := c.Disconnect("<qos/>"); err != nil {
		t.Fatalf("second Disconnect should be a no-op, got %v", err)
	}
}

func TestClientSubscribeReceivesUpdate(t *testing.T) {
	fb := startFakeBroker(t)
	defer fb.close()

	c := newTestClient(t, fb.port())
	if _, err := c.Connect("<qos/>"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	received := make(chan MessageUnit, 1)
	subID, err := c.Subscribe("topic1", "<qos/>", func(u MessageUnit) (string, error) {
		received <- u
		return "<qos><state id='OK'/></qos>", nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if subID != "sub-xyz" {
		t.Fatalf("subscriptionId = %q, want sub-xyz", subID)
	}

	// The fake broker pushes an update frame for this subscription right
	// after acknowledging the subscribe itself; see serveOne.
	select {
	case u := <-received:
		if string(u.Content) != "payload" {
			t.Fatalf("received content = %q, want payload", u.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update callback")
	}
}
