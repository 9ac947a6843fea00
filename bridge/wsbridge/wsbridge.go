// Package wsbridge is a reference BridgeAdapter that maintains a JSON-RPC
// channel, over a websocket, to an external device-farm broker. It issues
// a subscribe call on connect and turns the broker's subsequent
// notifications into connected/disconnected/stateChanged callbacks: a
// single connection, a read loop, and a best-effort reconnect once before
// declaring the link down.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	dp "github.com/xmidt-org/devicepool"
)

// Adapter is a reference dp.BridgeAdapter implementation.
type Adapter struct {
	baseWS string
	header http.Header
	dialer *websocket.Dialer
	Logger *log.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	devicesMu sync.RWMutex
	devices   map[dp.Serial]dp.Device

	listenersMu sync.RWMutex
	listeners   []dp.BridgeListener

	closed chan struct{}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type brokerEvent struct {
	Event  string    `json:"event"` // "connected" | "disconnected" | "stateChanged"
	Device dp.Device `json:"device"`
	State  string    `json:"state,omitempty"`
}

// New returns an Adapter that will dial baseWS (a ws:// or wss:// URL) on
// Init.
func New(baseWS string, header http.Header) *Adapter {
	return &Adapter{
		baseWS:  baseWS,
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		devices: make(map[dp.Serial]dp.Device),
		closed:  make(chan struct{}),
	}
}

func (a *Adapter) logger() *log.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return log.Default()
}

// Init dials the broker, sends a subscribe request, and starts the read
// loop. Callers should AddListener before calling Init, to avoid losing
// early events.
func (a *Adapter) Init(ctx context.Context) error {
	conn, _, err := a.dialer.DialContext(ctx, a.baseWS, a.header)
	if err != nil {
		return fmt.Errorf("wsbridge: dial failed: %w", err)
	}
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()

	sub := rpcRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: "subscribe"}
	payload, _ := json.Marshal(sub)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = conn.Close()
		return fmt.Errorf("wsbridge: subscribe failed: %w", err)
	}

	go a.readLoop()
	return nil
}

// Terminate closes the connection and stops the read loop from
// reconnecting. Later calls are no-ops.
func (a *Adapter) Terminate() error {
	select {
	case <-a.closed:
		return nil
	default:
		close(a.closed)
	}
	a.connMu.Lock()
	c := a.conn
	a.conn = nil
	a.connMu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// Disconnect is the same as Terminate: neither sends a websocket close
// handshake.
func (a *Adapter) Disconnect() error {
	return a.Terminate()
}

// Devices returns a snapshot of currently known devices.
func (a *Adapter) Devices() []dp.Device {
	a.devicesMu.RLock()
	defer a.devicesMu.RUnlock()
	out := make([]dp.Device, 0, len(a.devices))
	for _, d := range a.devices {
		out = append(out, d)
	}
	return out
}

// AddListener registers l.
func (a *Adapter) AddListener(l dp.BridgeListener) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, l)
}

// RemoveListener deregisters l.
func (a *Adapter) RemoveListener(l dp.BridgeListener) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	for i, existing := range a.listeners {
		if existing == l {
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
			return
		}
	}
}

func (a *Adapter) snapshotListeners() []dp.BridgeListener {
	a.listenersMu.RLock()
	defer a.listenersMu.RUnlock()
	out := make([]dp.BridgeListener, len(a.listeners))
	copy(out, a.listeners)
	return out
}

func (a *Adapter) readLoop() {
	a.connMu.RLock()
	conn := a.conn
	a.connMu.RUnlock()
	if conn == nil {
		return
	}

	retried := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-a.closed:
				return
			default:
			}
			if !retried {
				retried = true
				time.Sleep(300 * time.Millisecond)
				if nc, rerr := a.reconnect(); rerr == nil {
					conn = nc
					continue
				}
			}
			a.logger().Printf("wsbridge: read loop terminating: %v", err)
			_ = a.Terminate()
			return
		}

		var evt brokerEvent
		if jerr := json.Unmarshal(data, &evt); jerr != nil {
			continue
		}
		a.dispatch(evt)
	}
}

func (a *Adapter) reconnect() (*websocket.Conn, error) {
	conn, _, err := a.dialer.Dial(a.baseWS, a.header)
	if err != nil {
		return nil, err
	}
	a.connMu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.conn = conn
	a.connMu.Unlock()
	return conn, nil
}

func (a *Adapter) dispatch(evt brokerEvent) {
	a.devicesMu.Lock()
	switch evt.Event {
	case "connected", "stateChanged":
		a.devices[evt.Device.Serial] = evt.Device
	case "disconnected":
		delete(a.devices, evt.Device.Serial)
	}
	a.devicesMu.Unlock()

	listeners := a.snapshotListeners()
	switch evt.Event {
	case "connected":
		for _, l := range listeners {
			l.OnConnected(evt.Device)
		}
	case "disconnected":
		for _, l := range listeners {
			l.OnDisconnected(evt.Device)
		}
	case "stateChanged":
		state := parseState(evt.State)
		for _, l := range listeners {
			l.OnStateChanged(evt.Device, state)
		}
	}
}

func parseState(s string) dp.RuntimeState {
	switch s {
	case "online":
		return dp.Online
	case "offline":
		return dp.Offline
	case "recovery":
		return dp.Recovery
	case "bootloader":
		return dp.BootloaderState
	default:
		return dp.NotAvailable
	}
}
