// Package cloudpush implements the push-driven cloud providers. Both
// households share a single WebSocket transport; incoming frames are
// demultiplexed by household and forwarded to the per-provider sources.
package cloudpush

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strefethen/nowplaying-hub/internal/credentials"
	"github.com/strefethen/nowplaying-hub/internal/provider"
)

const (
	pingInterval     = 30 * time.Second
	writeTimeout     = 10 * time.Second
	readTimeout      = 90 * time.Second
	initialBackoff   = time.Second
	maxBackoff       = 60 * time.Second
	handshakeTimeout = 15 * time.Second
)

// HealthFrame is a server-pushed health signal for one provider.
type HealthFrame struct {
	Status         string `json:"status"`
	ShouldFallback bool   `json:"shouldFallback"`
	RetryInSeconds int    `json:"retryInSeconds"`
}

// incomingFrame is the envelope for all server-to-client messages.
type incomingFrame struct {
	Type        string          `json:"type"`
	HouseholdID string          `json:"householdId"`
	Playback    json.RawMessage `json:"playback,omitempty"`
	Health      *HealthFrame    `json:"health,omitempty"`
}

// playbackFrame is the wire shape of a pushed now-playing update.
type playbackFrame struct {
	PlaybackState  string `json:"playbackState"`
	PositionMillis int    `json:"positionMillis"`
	Device         struct {
		Name string `json:"name"`
	} `json:"device"`
	Track struct {
		Name           string `json:"name"`
		ArtistName     string `json:"artistName"`
		AlbumName      string `json:"albumName"`
		ImageURL       string `json:"imageUrl"`
		DurationMillis int    `json:"durationMillis"`
	} `json:"track"`
}

// Config wires a Transport.
type Config struct {
	WSURL string
	// DialCredential authenticates the socket itself. Per-household
	// subscriptions carry their own credential.
	DialCredential provider.CredentialSet
	Tokens         *credentials.Store
	Logger         *log.Logger
	// OnHealth receives server-pushed health signals already mapped to
	// the owning provider.
	OnHealth func(provider.ID, HealthFrame)
}

// Transport owns the shared WebSocket connection and its reconnect
// loop. Sources attach one household each.
type Transport struct {
	wsURL          string
	dialCredential provider.CredentialSet
	tokens         *credentials.Store
	logger         *log.Logger
	onHealth       func(provider.ID, HealthFrame)

	mu          sync.Mutex
	conn        *websocket.Conn
	sources     map[string]*Source // keyed by household ID
	started     bool
	cancel      context.CancelFunc
	everDialed  bool
	activeProv  provider.ID
}

// NewTransport creates a Transport. Call Run to connect.
func NewTransport(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Transport{
		wsURL:          cfg.WSURL,
		dialCredential: cfg.DialCredential,
		tokens:         cfg.Tokens,
		logger:         cfg.Logger,
		onHealth:       cfg.OnHealth,
		sources:        make(map[string]*Source),
	}
}

// Source creates a push source bound to one household on this transport.
func (t *Transport) Source(id provider.ID, householdID string, credential provider.CredentialSet) *Source {
	src := &Source{
		transport:   t,
		id:          id,
		householdID: householdID,
		credential:  credential,
		events:      make(chan provider.Event, eventBuffer),
	}

	t.mu.Lock()
	t.sources[householdID] = src
	t.mu.Unlock()
	return src
}

// Run starts the connect/read/reconnect loop. Idempotent.
func (t *Transport) Run(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	go t.connectLoop(loopCtx)
}

// Close tears down the connection and stops reconnecting.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.started = false
	t.mu.Unlock()
}

// Connected reports whether the socket is currently up.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// SendConfig tells the server which provider is active so it can tune
// push cadence. Best effort; a down socket just skips it.
func (t *Transport) SendConfig(active provider.ID) {
	t.mu.Lock()
	t.activeProv = active
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return
	}
	frame := map[string]any{
		"type":           "config",
		"activeProvider": string(active),
	}
	t.writeJSON(conn, frame)
}

func (t *Transport) connectLoop(ctx context.Context) {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := t.dial(ctx)
		if err != nil {
			t.logger.Printf("PUSH: dial failed: %v (retrying in %v)", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		t.mu.Lock()
		t.conn = conn
		reconnected := t.everDialed
		t.everDialed = true
		active := t.activeProv
		sources := make([]*Source, 0, len(t.sources))
		for _, src := range t.sources {
			sources = append(sources, src)
		}
		t.mu.Unlock()

		backoff = initialBackoff
		t.logger.Printf("PUSH: connected to %s", t.wsURL)

		t.subscribeAll(conn, sources)
		if active != "" {
			t.SendConfig(active)
		}

		for _, src := range sources {
			src.emitStatus(provider.Status{Connected: true, Reconnected: reconnected})
		}

		stopPing := make(chan struct{})
		go t.pingLoop(conn, stopPing)

		t.readLoop(ctx, conn)
		close(stopPing)

		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		conn.Close()

		for _, src := range sources {
			src.emitStatus(provider.Status{Connected: false, Detail: "connection lost"})
		}

		if ctx.Err() != nil {
			return
		}
		t.logger.Printf("PUSH: connection lost, reconnecting in %v", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := t.tokens.AccessToken(t.dialCredential)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.wsURL, header)
	return conn, err
}

func (t *Transport) subscribeAll(conn *websocket.Conn, sources []*Source) {
	for _, src := range sources {
		frame := map[string]any{
			"type":        "subscribe",
			"householdId": src.householdID,
		}
		if src.credential != t.dialCredential {
			token, err := t.tokens.AccessToken(src.credential)
			if err != nil {
				t.logger.Printf("PUSH: no token for household %s: %v", src.householdID, err)
				src.emitError(provider.NewAuthError(src.id, "no valid access token for subscription", err))
				continue
			}
			frame["token"] = token
		}
		if err := t.writeJSON(conn, frame); err != nil {
			t.logger.Printf("PUSH: subscribe failed for household %s: %v", src.householdID, err)
		}
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.writeJSON(conn, map[string]any{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		t.handleFrame(message)
	}
}

func (t *Transport) handleFrame(message []byte) {
	var frame incomingFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		t.logger.Printf("PUSH: failed to parse frame: %v", err)
		return
	}

	switch frame.Type {
	case "pong":
		return
	case "nowPlaying":
		t.handlePlayback(frame)
	case "health":
		t.handleHealth(frame)
	default:
		t.logger.Printf("PUSH: unknown frame type: %s", frame.Type)
	}
}

func (t *Transport) handlePlayback(frame incomingFrame) {
	src := t.sourceFor(frame.HouseholdID)
	if src == nil {
		t.logger.Printf("PUSH: frame for unknown household %s", frame.HouseholdID)
		return
	}

	var wire playbackFrame
	if err := json.Unmarshal(frame.Playback, &wire); err != nil {
		src.emitError(provider.NewTransientError(src.id, "parse playback frame", err))
		return
	}

	src.emitPayload(mapPayload(&wire))
}

func (t *Transport) handleHealth(frame incomingFrame) {
	if frame.Health == nil {
		return
	}
	src := t.sourceFor(frame.HouseholdID)
	if src == nil || t.onHealth == nil {
		return
	}
	t.onHealth(src.id, *frame.Health)
}

func (t *Transport) sourceFor(householdID string) *Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sources[householdID]
}

func (t *Transport) writeJSON(conn *websocket.Conn, frame any) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

func mapPayload(wire *playbackFrame) *provider.Payload {
	state := mapState(wire.PlaybackState)
	return &provider.Payload{
		Title:      wire.Track.Name,
		Artist:     wire.Track.ArtistName,
		Album:      wire.Track.AlbumName,
		ArtworkURL: wire.Track.ImageURL,
		State:      state,
		IsPlaying:  state == provider.StatePlaying,
		PositionMs: wire.PositionMillis,
		DurationMs: wire.Track.DurationMillis,
		DeviceName: wire.Device.Name,
	}
}

func mapState(wireState string) provider.PlaybackState {
	switch wireState {
	case "PLAYBACK_STATE_PLAYING", "PLAYING":
		return provider.StatePlaying
	case "PLAYBACK_STATE_PAUSED", "PAUSED_PLAYBACK":
		return provider.StatePaused
	case "PLAYBACK_STATE_STOPPED", "STOPPED":
		return provider.StateStopped
	default:
		return provider.StateIdle
	}
}
