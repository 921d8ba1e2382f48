package lava

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/lava/internal/backoff"
)

var testUpgrader = websocket.Upgrader{}

// wsScript is invoked once per accepted websocket connection, in order.
// When the script for a connection returns, the server closes it.
type wsScript func(t *testing.T, conn *websocket.Conn)

// newWSTestServer runs each accepted connection against the next script.
// Connections beyond the script list are rejected with a 503.
func newWSTestServer(t *testing.T, scripts ...wsScript) *httptest.Server {
	t.Helper()
	var (
		mu   sync.Mutex
		next int
	)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		i := next
		next++
		mu.Unlock()
		if i >= len(scripts) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		scripts[i](t, conn)
	}))
}

// wsURL rewrites an httptest server URL to the websocket scheme.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// sendReady pushes the handshake frame and then holds the connection open
// until the client goes away.
func sendReady(sessionID string) wsScript {
	return func(t *testing.T, conn *websocket.Conn) {
		frame := `{"op":"ready","resumed":false,"sessionId":"` + sessionID + `"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

// newWSNode builds a node against the test server with a fast retry budget.
func newWSNode(t *testing.T, srv *httptest.Server, cfg NodeConfig) *Node {
	t.Helper()
	cfg.WSURL = wsURL(srv)
	cfg.RESTURL = srv.URL
	if cfg.Identifier == "" {
		cfg.Identifier = "test"
	}
	node, err := NewNode(cfg)
	require.NoError(t, err)
	node.backoff = backoff.New(1, time.Millisecond, 2)
	return node
}

// stateRecorder collects OnStateChange transitions for assertions.
type stateRecorder struct {
	mu     sync.Mutex
	states []NodeState
	signal chan NodeState
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{signal: make(chan NodeState, 16)}
}

func (r *stateRecorder) record(_ *Node, state NodeState) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	// Never block the node's state machine on a slow test.
	select {
	case r.signal <- state:
	default:
	}
}

func (r *stateRecorder) waitFor(t *testing.T, want NodeState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-r.signal:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestConnectHandshake(t *testing.T) {
	srv := newWSTestServer(t, sendReady("la3kfsdf5eafe848"))
	defer srv.Close()

	recorder := newStateRecorder()
	node := newWSNode(t, srv, NodeConfig{OnStateChange: recorder.record})

	require.NoError(t, node.Connect(context.Background()))
	defer node.Disconnect()

	recorder.waitFor(t, StateReady)
	assert.True(t, node.IsConnected())
	assert.Equal(t, "la3kfsdf5eafe848", node.SessionID())
	assert.Equal(t, StateReady, node.State())
}

func TestConnectTwiceFails(t *testing.T) {
	srv := newWSTestServer(t, sendReady("s1"))
	defer srv.Close()

	node := newWSNode(t, srv, NodeConfig{})
	require.NoError(t, node.Connect(context.Background()))
	defer node.Disconnect()

	assert.ErrorIs(t, node.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnectInvalidCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	node, err := NewNode(NodeConfig{WSURL: wsURL(srv), RESTURL: srv.URL})
	require.NoError(t, err)

	assert.ErrorIs(t, node.Connect(context.Background()), ErrInvalidCredentials)
	assert.Equal(t, StateDisconnected, node.State())
}

func TestConnectWrongPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	node, err := NewNode(NodeConfig{WSURL: wsURL(srv), RESTURL: srv.URL})
	require.NoError(t, err)

	assert.ErrorIs(t, node.Connect(context.Background()), ErrRouteMisconfigured)
}

func TestConnectUnreachable(t *testing.T) {
	node, err := NewNode(NodeConfig{WSURL: "ws://127.0.0.1:1", RESTURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	// A node that never connected fails synchronously, without entering the
	// reconnection loop.
	assert.ErrorIs(t, node.Connect(context.Background()), ErrConnectionFailed)
	assert.Equal(t, StateDisconnected, node.State())
	assert.False(t, node.IsConnected())
}

func TestConnectSendsHandshakeHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := newWSTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	// Wrap the handler to capture the upgrade request headers.
	inner := srv.Config.Handler
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		inner.ServeHTTP(w, r)
	})

	node := newWSNode(t, srv, NodeConfig{
		Protocol: ProtocolObsidian,
		Password: "youshallnotpass",
		UserID:   "123456789",
	})
	require.NoError(t, node.Connect(context.Background()))
	defer node.Disconnect()

	h := <-headers
	assert.Equal(t, "youshallnotpass", h.Get("Authorization"))
	assert.Equal(t, "123456789", h.Get("User-Id"))
	assert.Equal(t, clientName, h.Get("Client-Name"))
}

func TestObsidianReadyOnOpen(t *testing.T) {
	srv := newWSTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	node := newWSNode(t, srv, NodeConfig{Protocol: ProtocolObsidian})
	require.NoError(t, node.Connect(context.Background()))
	defer node.Disconnect()

	// No handshake frame exists in this dialect; the open socket is enough.
	assert.Equal(t, StateReady, node.State())
	assert.Empty(t, node.SessionID())
}

func TestReconnectRecovers(t *testing.T) {
	dropAfterReady := func(t *testing.T, conn *websocket.Conn) {
		frame := `{"op":"ready","resumed":false,"sessionId":"epoch-one"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		// Returning closes the socket and triggers the client's recovery.
	}
	secondEpoch := func(t *testing.T, conn *websocket.Conn) {
		ready := `{"op":"ready","resumed":false,"sessionId":"epoch-two"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(ready)))
		update := `{"op":"playerUpdate","guildId":"42","state":{"time":1,"position":1234,"connected":true,"ping":5}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(update)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	srv := newWSTestServer(t, dropAfterReady, secondEpoch)
	defer srv.Close()

	recorder := newStateRecorder()
	node := newWSNode(t, srv, NodeConfig{OnStateChange: recorder.record})
	player := node.AddPlayer("42")
	require.NoError(t, node.Connect(context.Background()))
	defer node.Disconnect()

	recorder.waitFor(t, StateReady)
	recorder.waitFor(t, StateDisconnected)
	recorder.waitFor(t, StateReady)

	// The second epoch's handshake replaces the dead session token and
	// starts a fresh backoff run.
	assert.Equal(t, "epoch-two", node.SessionID())
	assert.True(t, node.IsConnected())
	assert.Equal(t, 0, node.backoff.Tries())

	// Frames from the new epoch reach the player registered before the
	// disconnect.
	require.Eventually(t, func() bool {
		return player.Ping() == 5
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, player.Connected())
}

func TestReconnectBudgetExhausted(t *testing.T) {
	dropAfterReady := func(t *testing.T, conn *websocket.Conn) {
		frame := `{"op":"ready","resumed":false,"sessionId":"doomed"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}
	// One accepted connection; every reconnect attempt gets a 503.
	srv := newWSTestServer(t, dropAfterReady)
	defer srv.Close()

	recorder := newStateRecorder()
	node := newWSNode(t, srv, NodeConfig{OnStateChange: recorder.record})
	require.NoError(t, node.Connect(context.Background()))

	recorder.waitFor(t, StateFailed)

	assert.Equal(t, StateFailed, node.State())
	assert.False(t, node.IsConnected())
	assert.Empty(t, node.SessionID())

	// Terminal failure still leaves the node explicitly reconnectable.
	srv2 := newWSTestServer(t, sendReady("fresh"))
	defer srv2.Close()
	node.wsURL = wsURL(srv2)
	require.NoError(t, node.Connect(context.Background()))
	defer node.Disconnect()
	recorder.waitFor(t, StateReady)
	assert.Equal(t, "fresh", node.SessionID())
}

func TestDisconnectDuringRecoveryStopsLoop(t *testing.T) {
	dropAfterReady := func(t *testing.T, conn *websocket.Conn) {
		frame := `{"op":"ready","resumed":false,"sessionId":"doomed"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}
	// One accepted connection; every reconnect attempt gets a 503, so with
	// an unbounded budget the recovery loop would spin until told to stop.
	srv := newWSTestServer(t, dropAfterReady)
	defer srv.Close()

	recorder := newStateRecorder()
	node := newWSNode(t, srv, NodeConfig{OnStateChange: recorder.record})
	node.backoff = backoff.New(1, time.Millisecond, 0)
	require.NoError(t, node.Connect(context.Background()))

	recorder.waitFor(t, StateReady)
	recorder.waitFor(t, StateDisconnected)

	// The node is mid-recovery now; an explicit Disconnect must end it.
	node.Disconnect()

	require.Eventually(t, func() bool {
		node.mu.Lock()
		defer node.mu.Unlock()
		return !node.listening
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateDisconnected, node.State())
	assert.False(t, node.IsConnected())
	assert.Empty(t, node.SessionID())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := newWSTestServer(t, sendReady("s1"))
	defer srv.Close()

	node := newWSNode(t, srv, NodeConfig{})
	require.NoError(t, node.Connect(context.Background()))

	node.Disconnect()
	node.Disconnect()

	assert.False(t, node.IsConnected())
	assert.Empty(t, node.SessionID())
	assert.ErrorIs(t, node.Send(StopCommand{GuildID: "1"}), ErrNotConnected)
}

func TestSendWhileDisconnected(t *testing.T) {
	node, err := NewNode(NodeConfig{Host: "127.0.0.1", Port: 2333})
	require.NoError(t, err)
	assert.ErrorIs(t, node.Send(StopCommand{GuildID: "1"}), ErrNotConnected)
}

func TestPlayerUpdateDispatch(t *testing.T) {
	srv := newWSTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		ready := `{"op":"ready","resumed":false,"sessionId":"s1"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(ready)))
		update := `{"op":"playerUpdate","guildId":"42","state":{"time":1,"position":777,"connected":true,"ping":9}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(update)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	node := newWSNode(t, srv, NodeConfig{})
	player := node.AddPlayer("42")
	require.NoError(t, node.Connect(context.Background()))
	defer node.Disconnect()

	require.Eventually(t, func() bool {
		return player.Ping() == 9
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, player.Connected())
}

func TestEventForUnknownGuildIsDropped(t *testing.T) {
	srv := newWSTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		ready := `{"op":"ready","resumed":false,"sessionId":"s1"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(ready)))
		event := `{"op":"event","type":"TrackStartEvent","guildId":"nobody","track":{"encoded":"x","info":{}}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(event)))
		stats := `{"op":"stats","players":1,"playingPlayers":0,"uptime":5,"memory":{},"cpu":{}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(stats)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	events := make(chan Event, 1)
	node := newWSNode(t, srv, NodeConfig{
		OnEvent: func(_ *Player, event Event) { events <- event },
	})
	require.NoError(t, node.Connect(context.Background()))
	defer node.Disconnect()

	// The stats frame arriving after the orphan event proves the receive
	// loop survived it.
	require.Eventually(t, func() bool {
		return node.Stats() != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, events)
}

func TestNodeEventCallback(t *testing.T) {
	srv := newWSTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		ready := `{"op":"ready","resumed":false,"sessionId":"s1"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(ready)))
		event := `{"op":"event","type":"TrackStartEvent","guildId":"42","track":{"encoded":"QAAAjQIA","info":{"title":"x"}}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(event)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	events := make(chan Event, 1)
	node := newWSNode(t, srv, NodeConfig{
		OnEvent: func(_ *Player, event Event) { events <- event },
	})
	player := node.AddPlayer("42")
	require.NoError(t, node.Connect(context.Background()))
	defer node.Disconnect()

	select {
	case event := <-events:
		start, ok := event.(TrackStartEvent)
		require.True(t, ok)
		assert.Equal(t, "42", start.GuildID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	require.NotNil(t, player.Track())
	assert.Equal(t, "QAAAjQIA", player.Track().Encoded)
}

func TestNewNodeValidation(t *testing.T) {
	_, err := NewNode(NodeConfig{Host: "127.0.0.1"})
	assert.Error(t, err)

	_, err = NewNode(NodeConfig{WSURL: "ws://x"})
	assert.Error(t, err)

	node, err := NewNode(NodeConfig{Host: "127.0.0.1", Port: 2333})
	require.NoError(t, err)
	assert.NotEmpty(t, node.Identifier())
	assert.Equal(t, "ws://127.0.0.1:2333/v4/websocket", node.wsURL)
	assert.Equal(t, "http://127.0.0.1:2333", node.restURL)

	obsidian, err := NewNode(NodeConfig{Host: "127.0.0.1", Port: 3030, Protocol: ProtocolObsidian})
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:3030/magma", obsidian.wsURL)
}
