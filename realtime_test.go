package tidewave

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	cfg := &ChannelConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 3,
	}
	r := newReconnector(cfg)

	var prev time.Duration
	for i := 0; i < 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d should be allowed", i)
		}
		d := r.nextDelay()
		if d < prev {
			t.Fatalf("delay must not shrink: %v after %v", d, prev)
		}
		if d > cfg.ReconnectMaxDelay {
			t.Fatalf("delay %v exceeds cap %v", d, cfg.ReconnectMaxDelay)
		}
		prev = d
	}
	if r.shouldReconnect() {
		t.Fatal("attempts must be exhausted after the cap")
	}
}

func TestReconnectorResetsAfterStableConnection(t *testing.T) {
	r := newReconnector(&ChannelConfig{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	})
	r.nextDelay()
	r.nextDelay()
	r.nextDelay()

	r.connectedAt = time.Now().Add(-2 * time.Minute)
	if d := r.nextDelay(); d >= 2*time.Second {
		t.Fatalf("expected attempt counter reset, got delay %v", d)
	}
}

// ============================================================================
// Dispatcher ordering
// ============================================================================

func TestDispatcherPreservesDeliveryOrder(t *testing.T) {
	d := newEventDispatcher()

	var got []string
	d.subscribe("test.event", func(_ string, payload json.RawMessage) {
		var v struct {
			N string `json:"n"`
		}
		json.Unmarshal(payload, &v)
		got = append(got, v.N)
	})

	for _, n := range []string{"a", "b", "c", "d"} {
		payload, _ := json.Marshal(map[string]string{"n": n})
		d.dispatch(Envelope{Type: "test.event", Payload: payload})
	}

	if len(got) != 4 || got[0] != "a" || got[1] != "b" || got[2] != "c" || got[3] != "d" {
		t.Fatalf("expected delivery order preserved, got %v", got)
	}
}

// ============================================================================
// LoopbackChannel
// ============================================================================

func TestLoopbackChannel(t *testing.T) {
	ch := NewLoopbackChannel()

	var events []string
	ch.Subscribe(EventMessageCreated, func(eventType string, _ json.RawMessage) {
		events = append(events, eventType)
	})

	var dropped, resumed bool
	ch.OnDisconnected(func(int, string) { dropped = true })
	ch.OnConnected(func() { resumed = true })

	if err := ch.Emit(context.Background(), EventMessageCreated, msgAt("m1", "conv-1", 10)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ch.Drop(1006, "test")
	ch.Resume()
	if !dropped || !resumed {
		t.Fatal("expected meta handlers to fire")
	}
}

// ============================================================================
// WSChannel
// ============================================================================

// wsTestServer accepts one connection, pushes the given envelopes, then
// echoes a pong for every ping command it receives.
func wsTestServer(t *testing.T, push []Envelope, received chan<- channelCommand) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		for _, env := range push {
			data, _ := json.Marshal(env)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd channelCommand
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			if received != nil {
				received <- cmd
			}
			if cmd.Type == "ping" {
				pong, _ := json.Marshal(Envelope{
					Type:    "pong",
					Payload: json.RawMessage(`{"requestId":"` + cmd.RequestID + `"}`),
				})
				if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSChannelDeliversEvents(t *testing.T) {
	payload, _ := json.Marshal(msgAt("m1", "conv-1", 10))
	srv := wsTestServer(t, []Envelope{{Type: EventMessageCreated, Payload: payload}}, nil)

	ch := NewWSChannel(srv.URL, &ChannelConfig{Token: "test-token"})

	var mu sync.Mutex
	var got []Message
	ch.Subscribe(EventMessageCreated, func(_ string, raw json.RawMessage) {
		var m Message
		json.Unmarshal(raw, &m)
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	if ch.State() != ChannelConnected {
		t.Fatalf("expected connected, got %s", ch.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].ID != "m1" {
		t.Fatalf("expected m1, got %+v", got[0])
	}
}

func TestWSChannelEmitAndPing(t *testing.T) {
	received := make(chan channelCommand, 4)
	srv := wsTestServer(t, nil, received)

	ch := NewWSChannel(srv.URL, &ChannelConfig{Token: "test-token"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	if err := ch.Emit(ctx, EventPresenceTyping, TypingPayload{ConversationID: "conv-1", UserID: "me", IsTyping: true}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case cmd := <-received:
		if cmd.Type != EventPresenceTyping {
			t.Fatalf("expected typing command, got %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command not received by server")
	}

	if err := ch.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestWSChannelEmitWhileDisconnected(t *testing.T) {
	ch := NewWSChannel("http://127.0.0.1:1", &ChannelConfig{Token: "test-token"})
	err := ch.Emit(context.Background(), EventPresenceTyping, TypingPayload{})
	if CodeOf(err) != CodeChannelDegraded {
		t.Fatalf("expected channel degraded, got %v", err)
	}
}
