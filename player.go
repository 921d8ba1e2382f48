package lava

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dkeye/lava/objects"
)

// Player tracks the playback state of one guild on its node and forwards
// commands to it. The node's dispatch loop feeds it player updates and
// events; discordgo feeds it voice credentials.
type Player struct {
	node    *Node
	guildID string

	mu sync.Mutex
	// Discord voice credentials, buffered until both gateway events have
	// arrived, then forwarded and cleared.
	voiceToken     string
	voiceEndpoint  string
	voiceSessionID string
	// state mirrored from the node
	connected  bool
	ping       int64
	position   int64
	lastUpdate time.Time
	track      *objects.Track
	paused     bool
	volume     int
	filter     *objects.Filter
}

// AddPlayer returns the tracker for a guild, creating and registering it if
// none exists. Each guild has at most one tracker per node; callers must
// not attach the same guild to two nodes.
func (n *Node) AddPlayer(guildID string) *Player {
	n.playersMu.Lock()
	defer n.playersMu.Unlock()
	if p, ok := n.players[guildID]; ok {
		return p
	}
	p := &Player{node: n, guildID: guildID, volume: 100}
	n.players[guildID] = p
	n.log.Info().Str("guild", guildID).Msg("registered player")
	return p
}

// Player returns the tracker for a guild, or nil when none is registered.
func (n *Node) Player(guildID string) *Player {
	n.playersMu.RLock()
	defer n.playersMu.RUnlock()
	return n.players[guildID]
}

// RemovePlayer drops a guild's tracker. Payloads for the guild received
// afterwards are logged and discarded.
func (n *Node) RemovePlayer(guildID string) {
	n.playersMu.Lock()
	defer n.playersMu.Unlock()
	if _, ok := n.players[guildID]; ok {
		delete(n.players, guildID)
		n.log.Info().Str("guild", guildID).Msg("removed player")
	}
}

// Players returns a snapshot of the registered trackers keyed by guild id.
func (n *Node) Players() map[string]*Player {
	n.playersMu.RLock()
	defer n.playersMu.RUnlock()
	players := make(map[string]*Player, len(n.players))
	for id, p := range n.players {
		players[id] = p
	}
	return players
}

// GuildID returns the guild this player belongs to.
func (p *Player) GuildID() string { return p.guildID }

// Node returns the node this player plays through.
func (p *Player) Node() *Node { return p.node }

// Track returns the currently playing track, nil when idle.
func (p *Player) Track() *objects.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

// IsPaused reports whether playback is paused.
func (p *Player) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Connected reports whether the node's voice connection for this guild is
// up, per the last player update.
func (p *Player) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Ping returns the node-to-Discord voice latency in milliseconds, -1 when
// unknown.
func (p *Player) Ping() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ping
}

// Volume returns the last volume set through this player.
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Filter returns the last filter configuration set through this player.
func (p *Player) Filter() *objects.Filter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filter
}

// Position estimates the current playback position by interpolating from
// the last player update.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil {
		return 0
	}
	position := p.position
	if !p.paused && !p.lastUpdate.IsZero() {
		position += time.Since(p.lastUpdate).Milliseconds()
	}
	if position > p.track.Info.Length {
		position = p.track.Info.Length
	}
	return time.Duration(position) * time.Millisecond
}

// Voice credential plumbing. Discord delivers the server token/endpoint
// and the session id as two independent gateway events; the voice update
// is forwarded to the node only once both have arrived.

// OnVoiceServerUpdate feeds the VOICE_SERVER_UPDATE gateway event to the
// player.
func (p *Player) OnVoiceServerUpdate(event *discordgo.VoiceServerUpdate) {
	p.mu.Lock()
	p.voiceToken = event.Token
	p.voiceEndpoint = event.Endpoint
	p.mu.Unlock()
	p.forwardVoiceUpdate()
}

// OnVoiceStateUpdate feeds the bot's own VOICE_STATE_UPDATE gateway event
// to the player.
func (p *Player) OnVoiceStateUpdate(event *discordgo.VoiceStateUpdate) {
	p.mu.Lock()
	p.voiceSessionID = event.SessionID
	p.mu.Unlock()
	p.forwardVoiceUpdate()
}

func (p *Player) forwardVoiceUpdate() {
	p.mu.Lock()
	if p.voiceToken == "" || p.voiceEndpoint == "" || p.voiceSessionID == "" {
		p.mu.Unlock()
		return
	}
	token, endpoint, sessionID := p.voiceToken, p.voiceEndpoint, p.voiceSessionID
	// Clear so later gateway events do not resend a stale update.
	p.voiceToken, p.voiceEndpoint, p.voiceSessionID = "", "", ""
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch p.node.protocol {
	case ProtocolObsidian:
		err = p.node.Send(VoiceUpdateCommand{
			GuildID: p.guildID, SessionID: sessionID, Token: token, Endpoint: endpoint,
		})
	default:
		_, err = p.node.updatePlayer(ctx, p.guildID, false, restPlayerUpdate{
			Voice: &restVoiceState{Token: token, Endpoint: endpoint, SessionID: sessionID},
		})
	}
	if err != nil {
		p.node.log.Error().Err(err).Str("guild", p.guildID).Msg("voice update forward failed")
	}
}

// PlayOptions adjust a Play call. The zero value plays the whole track and
// replaces whatever is playing.
type PlayOptions struct {
	StartTime time.Duration
	EndTime   time.Duration
	// NoReplace leaves the current track alone instead of replacing it.
	NoReplace bool
}

// Play starts playback of a track on the node.
func (p *Player) Play(ctx context.Context, track *objects.Track, opts *PlayOptions) error {
	if opts == nil {
		opts = &PlayOptions{}
	}

	if p.node.protocol == ProtocolObsidian {
		err := p.node.Send(PlayCommand{
			GuildID:   p.guildID,
			Track:     track.Encoded,
			StartTime: opts.StartTime.Milliseconds(),
			EndTime:   opts.EndTime.Milliseconds(),
			NoReplace: opts.NoReplace,
		})
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.track = track
		p.mu.Unlock()
		return nil
	}

	update := restPlayerUpdate{Track: &restPlayerTrack{Encoded: &track.Encoded}}
	if opts.StartTime > 0 {
		position := opts.StartTime.Milliseconds()
		update.Position = &position
	}
	if opts.EndTime > 0 {
		end := opts.EndTime.Milliseconds()
		update.EndTime = &end
	}
	data, err := p.node.updatePlayer(ctx, p.guildID, opts.NoReplace, update)
	if err != nil {
		return err
	}
	p.applyPlayerData(data)
	p.node.log.Info().Str("guild", p.guildID).Str("title", track.Info.Title).Msg("playing track")
	return nil
}

// Stop halts playback without destroying the node-side player.
func (p *Player) Stop(ctx context.Context) error {
	if p.node.protocol == ProtocolObsidian {
		if err := p.node.Send(StopCommand{GuildID: p.guildID}); err != nil {
			return err
		}
		p.mu.Lock()
		p.track = nil
		p.mu.Unlock()
		return nil
	}
	data, err := p.node.updatePlayer(ctx, p.guildID, false, restPlayerUpdate{
		Track: &restPlayerTrack{Encoded: nil},
	})
	if err != nil {
		return err
	}
	p.applyPlayerData(data)
	return nil
}

// SetPaused pauses or resumes playback.
func (p *Player) SetPaused(ctx context.Context, paused bool) error {
	if p.node.protocol == ProtocolObsidian {
		if err := p.node.Send(PauseCommand{GuildID: p.guildID, Pause: paused}); err != nil {
			return err
		}
		p.mu.Lock()
		p.paused = paused
		p.mu.Unlock()
		return nil
	}
	data, err := p.node.updatePlayer(ctx, p.guildID, false, restPlayerUpdate{Paused: &paused})
	if err != nil {
		return err
	}
	p.applyPlayerData(data)
	return nil
}

// Pause suspends playback.
func (p *Player) Pause(ctx context.Context) error { return p.SetPaused(ctx, true) }

// Resume continues paused playback.
func (p *Player) Resume(ctx context.Context) error { return p.SetPaused(ctx, false) }

// Seek moves the playback position.
func (p *Player) Seek(ctx context.Context, position time.Duration) error {
	ms := position.Milliseconds()
	if p.node.protocol == ProtocolObsidian {
		return p.node.Send(SeekCommand{GuildID: p.guildID, Position: ms})
	}
	data, err := p.node.updatePlayer(ctx, p.guildID, false, restPlayerUpdate{Position: &ms})
	if err != nil {
		return err
	}
	p.applyPlayerData(data)
	return nil
}

// SetVolume sets the playback volume, 0 to 1000 with 100 as unity.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 || volume > 1000 {
		return fmt.Errorf("lava: volume must be between 0 and 1000, got %d", volume)
	}
	if p.node.protocol == ProtocolObsidian {
		// Obsidian models volume as a filter.
		v := float64(volume) / 100
		return p.SetFilter(ctx, objects.Filter{Volume: &v})
	}
	data, err := p.node.updatePlayer(ctx, p.guildID, false, restPlayerUpdate{Volume: &volume})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	p.applyPlayerData(data)
	return nil
}

// SetFilter replaces the player's filter configuration.
func (p *Player) SetFilter(ctx context.Context, filter objects.Filter) error {
	if p.node.protocol == ProtocolObsidian {
		if err := p.node.Send(FilterCommand{GuildID: p.guildID, Filter: filter}); err != nil {
			return err
		}
	} else {
		data, err := p.node.updatePlayer(ctx, p.guildID, false, restPlayerUpdate{Filters: &filter})
		if err != nil {
			return err
		}
		p.applyPlayerData(data)
	}
	p.mu.Lock()
	p.filter = &filter
	p.mu.Unlock()
	return nil
}

// Destroy disposes the node-side player and unregisters the tracker.
func (p *Player) Destroy(ctx context.Context) error {
	var err error
	if p.node.protocol == ProtocolObsidian {
		err = p.node.Send(DestroyCommand{GuildID: p.guildID})
	} else {
		err = p.node.destroyPlayer(ctx, p.guildID)
	}
	p.node.RemovePlayer(p.guildID)
	return err
}

func (p *Player) applyPlayerData(data *restPlayerData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track = data.Track
	p.paused = data.Paused
	p.volume = data.Volume
	p.position = data.State.Position
	p.connected = data.State.Connected
	p.ping = data.State.Ping
	p.lastUpdate = time.Now()
}

// handleUpdate applies a playerUpdate frame. Called from the node's
// dispatch loop only.
func (p *Player) handleUpdate(state PlayerState) {
	p.mu.Lock()
	p.position = state.Position
	p.connected = state.Connected
	p.ping = state.Ping
	p.lastUpdate = time.Now()
	p.mu.Unlock()
}

// handleEvent applies an event frame and relays it to the application's
// event callback. Called from the node's dispatch loop only.
func (p *Player) handleEvent(event Event) {
	switch e := event.(type) {
	case TrackStartEvent:
		p.mu.Lock()
		track := e.Track
		p.track = &track
		p.mu.Unlock()
	case TrackEndEvent:
		p.mu.Lock()
		p.track = nil
		p.position = 0
		p.mu.Unlock()
	case WebSocketClosedEvent:
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
	}

	if p.node.onEvent != nil {
		p.node.onEvent(p, event)
	}
	p.node.log.Debug().Str("guild", p.guildID).Type("event", event).Msg("dispatched event")
}
