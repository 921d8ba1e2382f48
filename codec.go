package lava

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/dkeye/lava/objects"
)

// Protocol selects the wire dialect a node speaks. Decoding never attempts
// auto-detection; the dialect is fixed at node construction.
type Protocol int

const (
	// ProtocolLavalink frames payloads with a string "op" field and
	// camelCase fields at the top level.
	ProtocolLavalink Protocol = iota
	// ProtocolObsidian frames payloads as {"op": <int>, "d": {...}} with
	// snake_case field names.
	ProtocolObsidian
)

func (p Protocol) String() string {
	switch p {
	case ProtocolLavalink:
		return "lavalink"
	case ProtocolObsidian:
		return "obsidian"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// MarshalFn and UnmarshalFn let callers plug in their own JSON
// implementation. The defaults use goccy/go-json.
type (
	MarshalFn   func(v any) ([]byte, error)
	UnmarshalFn func(data []byte, v any) error
)

// Obsidian numeric op codes.
const (
	obsidianOpVoiceUpdate             = 0
	obsidianOpStats                   = 1
	obsidianOpConfigureResuming       = 2
	obsidianOpConfigureDispatchBuffer = 3
	obsidianOpEvent                   = 4
	obsidianOpPlayerUpdate            = 5
	obsidianOpPlay                    = 6
	obsidianOpStop                    = 7
	obsidianOpPause                   = 8
	obsidianOpFilters                 = 9
	obsidianOpSeek                    = 10
	obsidianOpDestroy                 = 11
)

// Payload is a decoded frame from a node. The concrete type is one of the
// *Payload structs, an event type, or a Command echoed back through the
// codec.
type Payload interface {
	isPayload()
}

// Command is an outgoing instruction the codec can put on the wire.
type Command interface {
	Payload
	isCommand()
}

// ReadyPayload carries the session token issued after the handshake.
type ReadyPayload struct {
	SessionID string
	Resumed   bool
}

// PlayerState is the periodic position report for one guild's player.
// A Time of 0 means the dialect did not report a timestamp. A Ping of -1
// means latency is unknown.
type PlayerState struct {
	Time      int64
	Position  int64
	Connected bool
	Ping      int64
}

// PlayerUpdatePayload delivers a PlayerState for a guild.
type PlayerUpdatePayload struct {
	GuildID string
	State   PlayerState
}

// StatsPayload wraps a node health report.
type StatsPayload struct {
	Stats *objects.Stats
}

// UnknownPayload preserves a frame whose op the codec does not recognize.
// It is logged and dropped, never treated as an error: nodes are free to
// introduce new op codes.
type UnknownPayload struct {
	Op  string
	Raw []byte
}

func (ReadyPayload) isPayload()        {}
func (PlayerUpdatePayload) isPayload() {}
func (StatsPayload) isPayload()        {}
func (UnknownPayload) isPayload()      {}

// Event is a player-scoped occurrence reported by the node.
type Event interface {
	Payload
	EventGuildID() string
}

// TrackStartEvent fires when the node begins playing a track.
type TrackStartEvent struct {
	GuildID string
	Track   objects.Track
}

// TrackEndEvent fires when a track stops playing for any reason.
type TrackEndEvent struct {
	GuildID string
	Track   objects.Track
	Reason  objects.TrackEndReason
}

// TrackExceptionEvent fires when the node hit an error while playing.
type TrackExceptionEvent struct {
	GuildID  string
	Track    objects.Track
	Message  string
	Severity objects.Severity
	Cause    string
}

// TrackStuckEvent fires when the node failed to deliver audio frames for
// longer than the threshold.
type TrackStuckEvent struct {
	GuildID   string
	Track     objects.Track
	Threshold time.Duration
}

// WebSocketClosedEvent fires when the node's voice connection to Discord
// for a guild was closed.
type WebSocketClosedEvent struct {
	GuildID  string
	Code     int
	Reason   string
	ByRemote bool
}

// UnknownEvent preserves an event type the codec does not recognize.
type UnknownEvent struct {
	GuildID string
	Type    string
	Raw     []byte
}

func (TrackStartEvent) isPayload()      {}
func (TrackEndEvent) isPayload()        {}
func (TrackExceptionEvent) isPayload()  {}
func (TrackStuckEvent) isPayload()      {}
func (WebSocketClosedEvent) isPayload() {}
func (UnknownEvent) isPayload()         {}

func (e TrackStartEvent) EventGuildID() string      { return e.GuildID }
func (e TrackEndEvent) EventGuildID() string        { return e.GuildID }
func (e TrackExceptionEvent) EventGuildID() string  { return e.GuildID }
func (e TrackStuckEvent) EventGuildID() string      { return e.GuildID }
func (e WebSocketClosedEvent) EventGuildID() string { return e.GuildID }
func (e UnknownEvent) EventGuildID() string         { return e.GuildID }

// VoiceUpdateCommand forwards Discord voice credentials to the node.
type VoiceUpdateCommand struct {
	GuildID   string
	SessionID string
	Token     string
	Endpoint  string
}

// PlayCommand starts playback of an encoded track.
type PlayCommand struct {
	GuildID   string
	Track     string
	StartTime int64
	EndTime   int64
	NoReplace bool
}

// StopCommand stops the current track.
type StopCommand struct {
	GuildID string
}

// PauseCommand pauses or resumes playback.
type PauseCommand struct {
	GuildID string
	Pause   bool
}

// FilterCommand replaces the player's filter configuration.
type FilterCommand struct {
	GuildID string
	Filter  objects.Filter
}

// SeekCommand moves the playback position, in milliseconds.
type SeekCommand struct {
	GuildID  string
	Position int64
}

// DestroyCommand disposes the node-side player for a guild.
type DestroyCommand struct {
	GuildID string
}

// ConfigureResumingCommand asks the node to buffer payloads and allow the
// session to be resumed within the timeout after a disconnect.
type ConfigureResumingCommand struct {
	Key     string
	Timeout int
}

// ConfigureDispatchBufferCommand sets how long, in milliseconds, the node
// buffers dispatches for a reconnecting client.
type ConfigureDispatchBufferCommand struct {
	Timeout int
}

func (VoiceUpdateCommand) isPayload()             {}
func (PlayCommand) isPayload()                    {}
func (StopCommand) isPayload()                    {}
func (PauseCommand) isPayload()                   {}
func (FilterCommand) isPayload()                  {}
func (SeekCommand) isPayload()                    {}
func (DestroyCommand) isPayload()                 {}
func (ConfigureResumingCommand) isPayload()       {}
func (ConfigureDispatchBufferCommand) isPayload() {}

func (VoiceUpdateCommand) isCommand()             {}
func (PlayCommand) isCommand()                    {}
func (StopCommand) isCommand()                    {}
func (PauseCommand) isCommand()                   {}
func (FilterCommand) isCommand()                  {}
func (SeekCommand) isCommand()                    {}
func (DestroyCommand) isCommand()                 {}
func (ConfigureResumingCommand) isCommand()       {}
func (ConfigureDispatchBufferCommand) isCommand() {}

func defaultMarshal(v any) ([]byte, error)      { return json.Marshal(v) }
func defaultUnmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
