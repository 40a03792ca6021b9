// Package wstransport adapts a gorilla/websocket connection to the birpc
// transport contract (post + receive-registration): one mutex guarding
// reads, one guarding writes, since gorilla/websocket allows at most one
// concurrent reader and one concurrent writer per connection.
package wstransport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nisargio/birpc"
)

// Transport is a birpc transport backed by one *websocket.Conn. Frames
// are sent and received as JSON directly via WriteJSON/ReadJSON, so the
// default identity Serialize/Deserialize pair (birpc.DefaultSerialize/
// birpc.DefaultDeserialize) is used as-is: it round-trips a birpc.Frame
// through encoding/json on its own `json` struct tags, which is exactly
// what WriteJSON/ReadJSON need. Options below wires Post/Register/
// Unregister only; it does not override Serialize/Deserialize.
type Transport struct {
	conn *websocket.Conn

	// Only one concurrent reader and one concurrent writer are allowed
	// per *websocket.Conn.
	readMu  sync.Mutex
	writeMu sync.Mutex

	keepAlive time.Duration
}

// Option configures a Transport at construction.
type Option func(*Transport)

// KeepAlive enables an opt-in ping/pong liveness loop against period,
// independent of RPC traffic. This lives on the transport, not the core
// engine, since connection liveness is explicitly out of the core's scope
// (§1 Non-goals: no connection management).
func KeepAlive(period time.Duration) Option {
	return func(t *Transport) { t.keepAlive = period }
}

// New wraps conn as a Transport.
func New(conn *websocket.Conn, opts ...Option) *Transport {
	t := &Transport{conn: conn}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Post implements the birpc transport contract's post half: it writes one
// JSON-encoded Frame. extra is ignored; wstransport is not itself a
// fan-out point, so there is nothing to forward trailing arguments to
// beyond the single underlying connection.
func (t *Transport) Post(ctx context.Context, payload any, extra ...any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(payload)
}

// Register implements the receive-registration half: it spawns a
// goroutine reading JSON frames off the connection until it errors or is
// closed, invoking receive with each decoded birpc.Frame.
func (t *Transport) Register(receive func(payload any, extra ...any)) error {
	if t.keepAlive > 0 {
		t.conn.SetPongHandler(func(string) error { return nil })
		go t.pingLoop()
	}
	go func() {
		for {
			var f birpc.Frame
			t.readMu.Lock()
			err := t.conn.ReadJSON(&f)
			t.readMu.Unlock()
			if err != nil {
				return
			}
			receive(f)
		}
	}()
	return nil
}

// Unregister closes the underlying connection, the symmetric teardown
// counterpart to Register.
func (t *Transport) Unregister() {
	_ = t.conn.Close()
}

func (t *Transport) pingLoop() {
	ticker := time.NewTicker(t.keepAlive)
	defer ticker.Stop()
	for range ticker.C {
		t.writeMu.Lock()
		err := t.conn.WriteMessage(websocket.PingMessage, nil)
		t.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// Options bundles the birpc.Option values an Endpoint needs to use this
// Transport: post, receive-registration, and unregister. Serialize and
// Deserialize stay at their defaults because birpc.Frame round-trips
// through encoding/json on its own struct tags, which is exactly what
// WriteJSON/ReadJSON use here.
func (t *Transport) Options() []birpc.Option {
	return []birpc.Option{
		birpc.WithPost(t.Post),
		birpc.WithReceiver(t.Register),
		birpc.WithUnregister(t.Unregister),
	}
}

// NewEndpoint is the one-call convenience constructor: build an Endpoint
// wired directly to a websocket connection.
func NewEndpoint(functions birpc.FunctionTree, conn *websocket.Conn, opts ...Option) *birpc.Endpoint {
	t := New(conn, opts...)
	return birpc.NewEndpoint(functions, t.Options()...)
}
