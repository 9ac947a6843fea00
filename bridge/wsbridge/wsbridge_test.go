package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	dp "github.com/xmidt-org/devicepool"
)

type recordingListener struct {
	mu           sync.Mutex
	connected    []dp.Device
	disconnected []dp.Device
	stateChanges []dp.RuntimeState
}

func (l *recordingListener) OnConnected(d dp.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = append(l.connected, d)
}
func (l *recordingListener) OnDisconnected(d dp.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, d)
}
func (l *recordingListener) OnStateChanged(d dp.Device, s dp.RuntimeState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateChanges = append(l.stateChanges, s)
}

func (l *recordingListener) snapshot() (int, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connected), len(l.disconnected), len(l.stateChanges)
}

func TestAdapterDispatchesBrokerEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		// drain the subscribe request
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}

		send := func(ev string, serial string, state string) {
			b, _ := json.Marshal(brokerEvent{Event: ev, Device: dp.Device{Serial: dp.Serial(serial)}, State: state})
			_ = c.WriteMessage(websocket.TextMessage, b)
		}
		send("connected", "A1", "")
		time.Sleep(10 * time.Millisecond)
		send("stateChanged", "A1", "online")
		time.Sleep(10 * time.Millisecond)
		send("disconnected", "A1", "")
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"

	a := New(u.String(), nil)
	l := &recordingListener{}
	a.AddListener(l)
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer a.Terminate()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, d, s := l.snapshot()
		if c == 1 && d == 1 && s == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c, d, s := l.snapshot()
	if c != 1 || d != 1 || s != 1 {
		t.Fatalf("expected 1 connected/disconnected/stateChanged event each, got %d/%d/%d", c, d, s)
	}
}

func TestRemoveListenerStopsDelivery(t *testing.T) {
	a := New("ws://unused", nil)
	l := &recordingListener{}
	a.AddListener(l)
	a.RemoveListener(l)
	a.dispatch(brokerEvent{Event: "connected", Device: dp.Device{Serial: "X1"}})
	c, _, _ := l.snapshot()
	if c != 0 {
		t.Fatalf("expected no events after removal, got %d", c)
	}
}

func TestDevicesSnapshot(t *testing.T) {
	a := New("ws://unused", nil)
	a.dispatch(brokerEvent{Event: "connected", Device: dp.Device{Serial: "A1"}})
	a.dispatch(brokerEvent{Event: "connected", Device: dp.Device{Serial: "B1"}})
	if len(a.Devices()) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(a.Devices()))
	}
	a.dispatch(brokerEvent{Event: "disconnected", Device: dp.Device{Serial: "A1"}})
	if len(a.Devices()) != 1 {
		t.Fatalf("expected 1 device after disconnect, got %d", len(a.Devices()))
	}
}
