package lava

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/lava/internal/backoff"
	"github.com/dkeye/lava/objects"
)

// NodeState is the connection lifecycle of a Node. Applications observe it
// through Node.State or the OnStateChange callback instead of catching an
// error from the managed reconnection loop.
type NodeState int

const (
	StateDisconnected NodeState = iota
	StateConnecting
	StateReady
	StateFailed
)

func (s NodeState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	reconnectBase     = 2
	reconnectMaxWait  = 5 * time.Minute
	reconnectMaxTries = 5

	dispatchBuffer = 64
)

// NodeConfig describes one node connection. Either Host and Port or WSURL
// and RESTURL must be set; the explicit URLs win when both are present.
type NodeConfig struct {
	// Identifier uniquely names the node within a pool. Generated when
	// empty.
	Identifier string
	// Protocol selects the wire dialect. Defaults to ProtocolLavalink.
	Protocol Protocol

	Host string
	Port int
	// WSURL and RESTURL override Host/Port with fully custom endpoints.
	WSURL   string
	RESTURL string

	Password string
	// UserID is the bot account id relayed in the User-Id header.
	UserID string

	// Marshal and Unmarshal plug in a JSON implementation. They default
	// to goccy/go-json.
	Marshal   MarshalFn
	Unmarshal UnmarshalFn

	// HTTPClient is shared infrastructure when supplied by the caller;
	// the node then never closes it. When nil the node creates and owns
	// one.
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger

	// OnEvent receives node events for registered players.
	OnEvent func(player *Player, event Event)
	// OnStateChange observes connection state transitions, including the
	// terminal StateFailed after the reconnect budget is spent.
	OnStateChange func(node *Node, state NodeState)

	// Searcher, when set, intercepts search queries that match an
	// external catalog URL before the node is consulted.
	Searcher ExternalSearcher
}

// Node owns a persistent websocket to one audio node: the authenticated
// handshake, the background receive loop, and automatic reconnection with
// jittered exponential backoff. All playback traffic for this node's
// players flows through it.
type Node struct {
	identifier string
	protocol   Protocol
	wsURL      string
	restURL    string
	password   string
	userID     string

	marshal   MarshalFn
	unmarshal UnmarshalFn

	httpClient *http.Client
	ownsHTTP   bool
	dialer     *websocket.Dialer
	searcher   ExternalSearcher

	onEvent       func(*Player, Event)
	onStateChange func(*Node, NodeState)

	log zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	listening bool
	closing   bool
	state     NodeState
	sessionID string
	readyCh   chan struct{}
	readyDone bool
	stats     *objects.Stats

	wmu sync.Mutex // serializes websocket writes

	playersMu sync.RWMutex
	players   map[string]*Player

	backoff *backoff.Backoff

	// overridable in tests
	restWait func(attempt int) time.Duration
}

// NewNode builds a disconnected Node from cfg. It fails when neither a
// host/port pair nor a full set of custom URLs is configured.
func NewNode(cfg NodeConfig) (*Node, error) {
	if (cfg.Host == "" || cfg.Port == 0) && (cfg.WSURL == "" || cfg.RESTURL == "") {
		return nil, fmt.Errorf("lava: config needs either host and port or ws_url and rest_url")
	}

	identifier := cfg.Identifier
	if identifier == "" {
		identifier = uuid.NewString()
	}

	wsURL := cfg.WSURL
	restURL := cfg.RESTURL
	if wsURL == "" || restURL == "" {
		wsPath := "/v4/websocket"
		if cfg.Protocol == ProtocolObsidian {
			wsPath = "/magma"
		}
		wsURL = fmt.Sprintf("ws://%s:%d%s", cfg.Host, cfg.Port, wsPath)
		restURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	marshal := cfg.Marshal
	if marshal == nil {
		marshal = defaultMarshal
	}
	unmarshal := cfg.Unmarshal
	if unmarshal == nil {
		unmarshal = defaultUnmarshal
	}

	httpClient := cfg.HTTPClient
	ownsHTTP := false
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
		ownsHTTP = true
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Node{
		identifier:    identifier,
		protocol:      cfg.Protocol,
		wsURL:         wsURL,
		restURL:       restURL,
		password:      cfg.Password,
		userID:        cfg.UserID,
		marshal:       marshal,
		unmarshal:     unmarshal,
		httpClient:    httpClient,
		ownsHTTP:      ownsHTTP,
		dialer:        dialer,
		searcher:      cfg.Searcher,
		onEvent:       cfg.OnEvent,
		onStateChange: cfg.OnStateChange,
		log:           logger.With().Str("node", identifier).Logger(),
		readyCh:       make(chan struct{}),
		players:       make(map[string]*Player),
		backoff:       backoff.New(reconnectBase, reconnectMaxWait, reconnectMaxTries),
		restWait: func(attempt int) time.Duration {
			return time.Duration(1+attempt*2) * time.Second
		},
	}, nil
}

// Identifier returns the node's unique name.
func (n *Node) Identifier() string { return n.identifier }

// Protocol returns the wire dialect this node speaks.
func (n *Node) Protocol() Protocol { return n.protocol }

// State returns the current connection state.
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SessionID returns the session token from the current epoch's handshake,
// or "" while no handshake has completed.
func (n *Node) SessionID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessionID
}

// Stats returns the most recent stats payload received from the node.
func (n *Node) Stats() *objects.Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// IsConnected reports whether a live socket exists.
func (n *Node) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil
}

// Connect dials the node's websocket and starts the receive loop. It fails
// with ErrAlreadyConnected when a live socket exists, ErrInvalidCredentials
// on a 401 handshake response, ErrRouteMisconfigured on 403 or 404, and a
// wrapped ErrConnectionFailed otherwise.
//
// Connect must not be called concurrently with itself; during automatic
// recovery the receive loop is the only caller.
func (n *Node) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.conn != nil {
		n.mu.Unlock()
		return ErrAlreadyConnected
	}
	n.closing = false
	n.mu.Unlock()

	if err := n.dial(ctx); err != nil {
		return err
	}
	n.startListen()
	return nil
}

// dial performs the websocket upgrade and installs the new socket. It never
// touches the receive loop; Connect and the reconnection protocol own that.
func (n *Node) dial(ctx context.Context) error {
	n.setState(StateConnecting)

	header := http.Header{}
	header.Set("Authorization", n.password)
	header.Set("User-Id", n.userID)
	header.Set("Client-Name", clientName)

	conn, resp, err := n.dialer.DialContext(ctx, n.wsURL, header)
	if err != nil {
		n.setState(StateDisconnected)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		switch status {
		case http.StatusUnauthorized:
			n.log.Error().Int("status", status).Msg("node rejected the configured password")
			return ErrInvalidCredentials
		case http.StatusForbidden, http.StatusNotFound:
			n.log.Error().Int("status", status).Str("url", n.wsURL).Msg("websocket path rejected, check the ws_url")
			return ErrRouteMisconfigured
		default:
			n.log.Error().Err(err).Str("url", n.wsURL).Msg("websocket connect failed")
			return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
	}

	n.mu.Lock()
	n.conn = conn
	n.sessionID = ""
	n.readyCh = make(chan struct{})
	n.readyDone = false
	n.mu.Unlock()
	n.backoff.Reset()

	// Obsidian has no ready handshake; the connection is usable as soon
	// as the socket is open.
	if n.protocol == ProtocolObsidian {
		n.markReady()
	}

	n.log.Info().Str("url", n.wsURL).Msg("node connected")
	return nil
}

func (n *Node) markReady() {
	n.mu.Lock()
	if !n.readyDone {
		n.readyDone = true
		close(n.readyCh)
	}
	n.mu.Unlock()
	n.setState(StateReady)
}

// releaseWaiters wakes ready-gate waiters without marking the node ready;
// they observe the state and fail transiently.
func (n *Node) releaseWaiters() {
	n.mu.Lock()
	if !n.readyDone {
		n.readyDone = true
		close(n.readyCh)
	}
	n.mu.Unlock()
}

func (n *Node) setState(state NodeState) {
	n.mu.Lock()
	changed := n.state != state
	n.state = state
	handler := n.onStateChange
	n.mu.Unlock()
	if changed && handler != nil {
		handler(n, state)
	}
}

// startListen launches the receive loop for this connection epoch. A live
// loop is never replaced; reconnects inside the loop reuse it.
func (n *Node) startListen() {
	n.mu.Lock()
	if n.listening {
		n.mu.Unlock()
		return
	}
	n.listening = true
	n.mu.Unlock()

	dispatch := make(chan Payload, dispatchBuffer)
	go n.dispatchLoop(dispatch)
	go n.listen(dispatch)
}

// listen is the background receive loop: one logical task per connection
// epoch. Frames are decoded and handed to the dispatch loop; a transport
// close triggers the reconnection protocol.
func (n *Node) listen(dispatch chan<- Payload) {
	defer func() {
		n.mu.Lock()
		n.listening = false
		n.mu.Unlock()
		close(dispatch)
	}()

	for {
		n.mu.Lock()
		conn := n.conn
		n.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			n.mu.Lock()
			closing := n.closing
			n.mu.Unlock()
			if closing {
				return
			}
			if !n.reconnect() {
				return
			}
			continue
		}

		n.handleFrame(dispatch, data)
	}
}

// reconnect runs the backoff-driven recovery protocol after an unexpected
// transport close. It returns false once the retry budget is spent, after
// tearing down all connection state.
func (n *Node) reconnect() bool {
	n.mu.Lock()
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
	// The session token belongs to the dead epoch and must never be
	// attached to another request.
	n.sessionID = ""
	n.mu.Unlock()
	n.releaseWaiters()
	n.setState(StateDisconnected)

	for {
		if n.backoff.Tries() == 0 {
			n.log.Warn().
				Int("max_tries", n.backoff.MaxTries()).
				Msg("node was unexpectedly disconnected, reconnecting with backoff")
		}

		attempt := n.backoff.Tries() + 1
		delay := n.backoff.Calculate()
		// The counter resets to zero when this attempt spends the budget.
		finalAttempt := n.backoff.MaxTries() > 0 && n.backoff.Tries() == 0

		n.log.Warn().
			Str("attempt", ordinal(attempt)).
			Dur("delay", delay).
			Msg("attempting reconnection")
		time.Sleep(delay)

		// Disconnect may have torn the node down during the sleep; an
		// explicitly disconnected node must stay down.
		n.mu.Lock()
		closing := n.closing
		n.mu.Unlock()
		if closing {
			n.log.Info().Msg("reconnection abandoned, node was disconnected")
			return false
		}

		if err := n.dial(context.Background()); err != nil {
			if finalAttempt {
				n.log.Warn().
					Int("attempts", attempt).
					Msg("reconnect budget exhausted, giving up")
				n.teardown(StateFailed)
				return false
			}
			continue
		}

		n.log.Info().Msg("node reconnected")
		return true
	}
}

// teardown clears all connection state. With StateFailed it is terminal;
// with StateDisconnected the node can be connected again.
func (n *Node) teardown(state NodeState) {
	n.mu.Lock()
	n.closing = true
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
	n.sessionID = ""
	n.mu.Unlock()

	n.backoff.Reset()
	n.releaseWaiters()
	n.setState(state)
}

// Disconnect tears down the receive loop and the socket. It is idempotent.
// The HTTP client is closed only if the node created it; caller-supplied
// clients are shared infrastructure.
//
// In-flight payload dispatches are not awaited: events decoded immediately
// before shutdown may be dropped.
func (n *Node) Disconnect() {
	n.teardown(StateDisconnected)
	if n.ownsHTTP {
		n.httpClient.CloseIdleConnections()
	}
	n.log.Info().Msg("node disconnected")
}

// Send encodes a command for this node's dialect and writes it to the
// socket. It fails with ErrNotConnected when no live socket exists.
func (n *Node) Send(command Command) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := encodePayload(n.protocol, n.marshal, command)
	if err != nil {
		return err
	}

	n.wmu.Lock()
	defer n.wmu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("lava: send failed: %w", err)
	}
	n.log.Debug().Str("protocol", n.protocol.String()).Type("command", command).Msg("sent command")
	return nil
}

// waitUntilReady blocks an outgoing request until the handshake of the
// current epoch has produced a session token. It fails fast with
// ErrNotConnected when there is no live socket to wait on.
func (n *Node) waitUntilReady(ctx context.Context) error {
	for {
		n.mu.Lock()
		state := n.state
		ready := n.readyCh
		n.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateConnecting:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ready:
			}
		default:
			return ErrNotConnected
		}
	}
}

// handleFrame decodes one frame and routes it. Malformed or unrecognized
// frames are logged and dropped so unknown future op codes never kill the
// receive loop.
func (n *Node) handleFrame(dispatch chan<- Payload, data []byte) {
	payload, err := decodePayload(n.protocol, n.unmarshal, data)
	if err != nil {
		n.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	switch p := payload.(type) {
	case ReadyPayload:
		n.mu.Lock()
		n.sessionID = p.SessionID
		n.mu.Unlock()
		n.markReady()
		n.log.Info().Bool("resumed", p.Resumed).Msg("node is ready")

	case StatsPayload:
		n.mu.Lock()
		n.stats = p.Stats
		n.mu.Unlock()

	case PlayerUpdatePayload:
		n.enqueue(dispatch, p)

	case UnknownPayload:
		n.log.Warn().Str("op", p.Op).Msg("unrecognized op code")

	default:
		if event, ok := payload.(Event); ok {
			n.enqueue(dispatch, event)
			return
		}
		n.log.Warn().Type("payload", payload).Msg("unhandled payload")
	}
}

// enqueue hands a payload to the dispatch loop without ever blocking the
// receive loop. A full buffer drops the payload with a warning.
func (n *Node) enqueue(dispatch chan<- Payload, payload Payload) {
	select {
	case dispatch <- payload:
	default:
		n.log.Warn().Type("payload", payload).Msg("dispatch buffer full, dropping payload")
	}
}

// dispatchLoop delivers decoded payloads to player trackers, preserving
// per-guild receipt order while keeping slow handlers off the receive loop.
func (n *Node) dispatchLoop(dispatch <-chan Payload) {
	for payload := range dispatch {
		switch p := payload.(type) {
		case PlayerUpdatePayload:
			player := n.Player(p.GuildID)
			if player == nil {
				n.log.Warn().Str("guild", p.GuildID).Msg("player update for unknown guild")
				continue
			}
			player.handleUpdate(p.State)
		case Event:
			player := n.Player(p.EventGuildID())
			if player == nil {
				n.log.Warn().Str("guild", p.EventGuildID()).Msg("event for unknown guild")
				continue
			}
			player.handleEvent(p)
		}
	}
}

func ordinal(n int) string {
	suffix := "th"
	if n%100 < 11 || n%100 > 13 {
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}
