package lava

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/dkeye/lava/objects"
)

// Wire shapes for the lavalink dialect: string op, camelCase, flat.

type lavalinkEnvelope struct {
	Op string `json:"op"`
}

type lavalinkReady struct {
	Op        string `json:"op"`
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

type lavalinkPlayerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

type lavalinkPlayerUpdate struct {
	Op      string              `json:"op"`
	GuildID string              `json:"guildId"`
	State   lavalinkPlayerState `json:"state"`
}

type lavalinkStats struct {
	Players        int                 `json:"players"`
	PlayingPlayers int                 `json:"playingPlayers"`
	Uptime         int64               `json:"uptime"`
	Memory         objects.MemoryStats `json:"memory"`
	CPU            objects.CPUStats    `json:"cpu"`
	FrameStats     *objects.FrameStats `json:"frameStats"`
}

type lavalinkEvent struct {
	Type      string              `json:"type"`
	GuildID   string              `json:"guildId"`
	Track     *objects.Track      `json:"track"`
	Reason    string              `json:"reason"`
	Exception *exceptionData      `json:"exception"`
	Threshold int64               `json:"thresholdMs"`
	Code      int                 `json:"code"`
	ByRemote  bool                `json:"byRemote"`
}

type exceptionData struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

type lavalinkVoiceUpdate struct {
	Op        string `json:"op"`
	GuildID   string `json:"guildId"`
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
}

type lavalinkPlay struct {
	Op        string `json:"op"`
	GuildID   string `json:"guildId"`
	Track     string `json:"track"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
	NoReplace bool   `json:"noReplace,omitempty"`
}

type lavalinkGuildOnly struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
}

type lavalinkPause struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	Pause   bool   `json:"pause"`
}

type lavalinkFilters struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	objects.Filter
}

type lavalinkSeek struct {
	Op       string `json:"op"`
	GuildID  string `json:"guildId"`
	Position int64  `json:"position"`
}

type lavalinkConfigureResuming struct {
	Op      string `json:"op"`
	Key     string `json:"key"`
	Timeout int    `json:"timeout"`
}

type lavalinkConfigureDispatchBuffer struct {
	Op      string `json:"op"`
	Timeout int    `json:"timeout"`
}

// Wire shapes for the obsidian dialect: numeric op, "d" wrapper, snake_case.

type obsidianEnvelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type obsidianOutgoing struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type obsidianVoiceUpdate struct {
	GuildID   string `json:"guild_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
}

type obsidianPlay struct {
	GuildID   string `json:"guild_id"`
	Track     string `json:"track"`
	StartTime int64  `json:"start_time,omitempty"`
	EndTime   int64  `json:"end_time,omitempty"`
	NoReplace bool   `json:"no_replace,omitempty"`
}

type obsidianGuildOnly struct {
	GuildID string `json:"guild_id"`
}

type obsidianPause struct {
	GuildID string `json:"guild_id"`
	State   bool   `json:"state"`
}

type obsidianFilters struct {
	GuildID string         `json:"guild_id"`
	Filters objects.Filter `json:"filters"`
}

type obsidianSeek struct {
	GuildID  string `json:"guild_id"`
	Position int64  `json:"position"`
}

type obsidianConfigureResuming struct {
	Key     string `json:"key"`
	Timeout int    `json:"timeout"`
}

type obsidianConfigureDispatchBuffer struct {
	Timeout int `json:"timeout"`
}

type obsidianPlayerUpdate struct {
	GuildID      string `json:"guild_id"`
	CurrentTrack struct {
		Track    string `json:"track"`
		Position int64  `json:"position"`
		Paused   bool   `json:"paused"`
	} `json:"current_track"`
	Frames struct {
		Sent   int64 `json:"sent"`
		Lost   int64 `json:"lost"`
		Usable bool  `json:"usable"`
	} `json:"frames"`
}

type obsidianStats struct {
	Memory struct {
		HeapUsed struct {
			Used int64 `json:"used"`
		} `json:"heap_used"`
		NonHeapUsed struct {
			Used int64 `json:"used"`
		} `json:"non_heap_used"`
	} `json:"memory"`
	CPU struct {
		Cores       int     `json:"cores"`
		SystemLoad  float64 `json:"system_load"`
		ProcessLoad float64 `json:"process_load"`
	} `json:"cpu"`
	Players struct {
		Active int `json:"active"`
		Total  int `json:"total"`
	} `json:"players"`
}

type obsidianEvent struct {
	Type      string         `json:"type"`
	GuildID   string         `json:"guild_id"`
	Track     string         `json:"track"`
	Reason    string         `json:"reason"`
	Exception *exceptionData `json:"exception"`
	Threshold int64          `json:"threshold_ms"`
	Code      int            `json:"code"`
	ByRemote  bool           `json:"by_remote"`
}

// encodePayload serializes a command for the given dialect.
func encodePayload(protocol Protocol, marshal MarshalFn, command Command) ([]byte, error) {
	switch protocol {
	case ProtocolLavalink:
		return encodeLavalink(marshal, command)
	case ProtocolObsidian:
		return encodeObsidian(marshal, command)
	default:
		return nil, fmt.Errorf("lava: unsupported protocol %q", protocol)
	}
}

func encodeLavalink(marshal MarshalFn, command Command) ([]byte, error) {
	switch c := command.(type) {
	case VoiceUpdateCommand:
		return marshal(lavalinkVoiceUpdate{
			Op: "voiceUpdate", GuildID: c.GuildID, SessionID: c.SessionID, Token: c.Token, Endpoint: c.Endpoint,
		})
	case PlayCommand:
		return marshal(lavalinkPlay{
			Op: "play", GuildID: c.GuildID, Track: c.Track,
			StartTime: c.StartTime, EndTime: c.EndTime, NoReplace: c.NoReplace,
		})
	case StopCommand:
		return marshal(lavalinkGuildOnly{Op: "stop", GuildID: c.GuildID})
	case PauseCommand:
		return marshal(lavalinkPause{Op: "pause", GuildID: c.GuildID, Pause: c.Pause})
	case FilterCommand:
		return marshal(lavalinkFilters{Op: "filters", GuildID: c.GuildID, Filter: c.Filter})
	case SeekCommand:
		return marshal(lavalinkSeek{Op: "seek", GuildID: c.GuildID, Position: c.Position})
	case DestroyCommand:
		return marshal(lavalinkGuildOnly{Op: "destroy", GuildID: c.GuildID})
	case ConfigureResumingCommand:
		return marshal(lavalinkConfigureResuming{Op: "configureResuming", Key: c.Key, Timeout: c.Timeout})
	case ConfigureDispatchBufferCommand:
		return marshal(lavalinkConfigureDispatchBuffer{Op: "configureDispatchBuffer", Timeout: c.Timeout})
	default:
		return nil, fmt.Errorf("lava: cannot encode %T for the lavalink protocol", command)
	}
}

func encodeObsidian(marshal MarshalFn, command Command) ([]byte, error) {
	var (
		op int
		d  any
	)
	switch c := command.(type) {
	case VoiceUpdateCommand:
		op, d = obsidianOpVoiceUpdate, obsidianVoiceUpdate{
			GuildID: c.GuildID, SessionID: c.SessionID, Token: c.Token, Endpoint: c.Endpoint,
		}
	case PlayCommand:
		op, d = obsidianOpPlay, obsidianPlay{
			GuildID: c.GuildID, Track: c.Track,
			StartTime: c.StartTime, EndTime: c.EndTime, NoReplace: c.NoReplace,
		}
	case StopCommand:
		op, d = obsidianOpStop, obsidianGuildOnly{GuildID: c.GuildID}
	case PauseCommand:
		op, d = obsidianOpPause, obsidianPause{GuildID: c.GuildID, State: c.Pause}
	case FilterCommand:
		op, d = obsidianOpFilters, obsidianFilters{GuildID: c.GuildID, Filters: c.Filter}
	case SeekCommand:
		op, d = obsidianOpSeek, obsidianSeek{GuildID: c.GuildID, Position: c.Position}
	case DestroyCommand:
		op, d = obsidianOpDestroy, obsidianGuildOnly{GuildID: c.GuildID}
	case ConfigureResumingCommand:
		op, d = obsidianOpConfigureResuming, obsidianConfigureResuming{Key: c.Key, Timeout: c.Timeout}
	case ConfigureDispatchBufferCommand:
		op, d = obsidianOpConfigureDispatchBuffer, obsidianConfigureDispatchBuffer{Timeout: c.Timeout}
	default:
		return nil, fmt.Errorf("lava: cannot encode %T for the obsidian protocol", command)
	}
	return marshal(obsidianOutgoing{Op: op, D: d})
}

// decodePayload parses an inbound frame for the given dialect. A frame with
// an op the dialect does not define decodes to UnknownPayload; an error is
// only returned for frames that are not valid JSON at all.
func decodePayload(protocol Protocol, unmarshal UnmarshalFn, data []byte) (Payload, error) {
	switch protocol {
	case ProtocolLavalink:
		return decodeLavalink(unmarshal, data)
	case ProtocolObsidian:
		return decodeObsidian(unmarshal, data)
	default:
		return nil, fmt.Errorf("lava: unsupported protocol %q", protocol)
	}
}

func decodeLavalink(unmarshal UnmarshalFn, data []byte) (Payload, error) {
	var env lavalinkEnvelope
	if err := unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("lava: malformed frame: %w", err)
	}

	switch env.Op {
	case "ready":
		var p lavalinkReady
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return ReadyPayload{SessionID: p.SessionID, Resumed: p.Resumed}, nil

	case "playerUpdate":
		var p lavalinkPlayerUpdate
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return PlayerUpdatePayload{GuildID: p.GuildID, State: PlayerState(p.State)}, nil

	case "stats":
		var p lavalinkStats
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		stats := objects.NewStats()
		stats.Players = p.Players
		stats.PlayingPlayers = p.PlayingPlayers
		stats.Uptime = p.Uptime
		stats.Memory = p.Memory
		stats.CPU = p.CPU
		if p.FrameStats != nil {
			stats.Frames = *p.FrameStats
		}
		return StatsPayload{Stats: stats}, nil

	case "event":
		var p lavalinkEvent
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return decodeLavalinkEvent(p, data), nil

	case "voiceUpdate":
		var p lavalinkVoiceUpdate
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return VoiceUpdateCommand{GuildID: p.GuildID, SessionID: p.SessionID, Token: p.Token, Endpoint: p.Endpoint}, nil

	case "play":
		var p lavalinkPlay
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return PlayCommand{
			GuildID: p.GuildID, Track: p.Track,
			StartTime: p.StartTime, EndTime: p.EndTime, NoReplace: p.NoReplace,
		}, nil

	case "stop":
		var p lavalinkGuildOnly
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return StopCommand{GuildID: p.GuildID}, nil

	case "pause":
		var p lavalinkPause
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return PauseCommand{GuildID: p.GuildID, Pause: p.Pause}, nil

	case "filters":
		var p lavalinkFilters
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return FilterCommand{GuildID: p.GuildID, Filter: p.Filter}, nil

	case "seek":
		var p lavalinkSeek
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return SeekCommand{GuildID: p.GuildID, Position: p.Position}, nil

	case "destroy":
		var p lavalinkGuildOnly
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return DestroyCommand{GuildID: p.GuildID}, nil

	case "configureResuming":
		var p lavalinkConfigureResuming
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return ConfigureResumingCommand{Key: p.Key, Timeout: p.Timeout}, nil

	case "configureDispatchBuffer":
		var p lavalinkConfigureDispatchBuffer
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return ConfigureDispatchBufferCommand{Timeout: p.Timeout}, nil

	default:
		return UnknownPayload{Op: env.Op, Raw: data}, nil
	}
}

func decodeLavalinkEvent(p lavalinkEvent, raw []byte) Payload {
	var track objects.Track
	if p.Track != nil {
		track = *p.Track
	}
	switch p.Type {
	case "TrackStartEvent":
		return TrackStartEvent{GuildID: p.GuildID, Track: track}
	case "TrackEndEvent":
		return TrackEndEvent{GuildID: p.GuildID, Track: track, Reason: objects.TrackEndReason(p.Reason)}
	case "TrackExceptionEvent":
		e := TrackExceptionEvent{GuildID: p.GuildID, Track: track}
		if p.Exception != nil {
			e.Message = p.Exception.Message
			e.Severity = objects.Severity(p.Exception.Severity)
			e.Cause = p.Exception.Cause
		}
		return e
	case "TrackStuckEvent":
		return TrackStuckEvent{
			GuildID: p.GuildID, Track: track,
			Threshold: time.Duration(p.Threshold) * time.Millisecond,
		}
	case "WebSocketClosedEvent":
		return WebSocketClosedEvent{GuildID: p.GuildID, Code: p.Code, Reason: p.Reason, ByRemote: p.ByRemote}
	default:
		return UnknownEvent{GuildID: p.GuildID, Type: p.Type, Raw: raw}
	}
}

func decodeObsidian(unmarshal UnmarshalFn, data []byte) (Payload, error) {
	var env obsidianEnvelope
	if err := unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("lava: malformed frame: %w", err)
	}

	switch env.Op {
	case obsidianOpStats:
		var p obsidianStats
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		stats := objects.NewStats()
		stats.Players = p.Players.Total
		stats.PlayingPlayers = p.Players.Active
		stats.Memory.Used = p.Memory.HeapUsed.Used + p.Memory.NonHeapUsed.Used
		stats.CPU = objects.CPUStats{
			Cores:        p.CPU.Cores,
			SystemLoad:   p.CPU.SystemLoad,
			LavalinkLoad: p.CPU.ProcessLoad,
		}
		return StatsPayload{Stats: stats}, nil

	case obsidianOpPlayerUpdate:
		var p obsidianPlayerUpdate
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		// Obsidian reports neither a timestamp nor latency; the -1 ping
		// marks latency as unknown.
		return PlayerUpdatePayload{
			GuildID: p.GuildID,
			State: PlayerState{
				Position:  p.CurrentTrack.Position,
				Connected: p.Frames.Usable,
				Ping:      -1,
			},
		}, nil

	case obsidianOpEvent:
		var p obsidianEvent
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		return decodeObsidianEvent(p, data), nil

	case obsidianOpVoiceUpdate:
		var p obsidianVoiceUpdate
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		return VoiceUpdateCommand{GuildID: p.GuildID, SessionID: p.SessionID, Token: p.Token, Endpoint: p.Endpoint}, nil

	case obsidianOpPlay:
		var p obsidianPlay
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		return PlayCommand{
			GuildID: p.GuildID, Track: p.Track,
			StartTime: p.StartTime, EndTime: p.EndTime, NoReplace: p.NoReplace,
		}, nil

	case obsidianOpStop:
		var p obsidianGuildOnly
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		return StopCommand{GuildID: p.GuildID}, nil

	case obsidianOpPause:
		var p obsidianPause
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		return PauseCommand{GuildID: p.GuildID, Pause: p.State}, nil

	case obsidianOpFilters:
		var p obsidianFilters
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		return FilterCommand{GuildID: p.GuildID, Filter: p.Filters}, nil

	case obsidianOpSeek:
		var p obsidianSeek
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		return SeekCommand{GuildID: p.GuildID, Position: p.Position}, nil

	case obsidianOpDestroy:
		var p obsidianGuildOnly
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		return DestroyCommand{GuildID: p.GuildID}, nil

	case obsidianOpConfigureResuming:
		var p obsidianConfigureResuming
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		return ConfigureResumingCommand{Key: p.Key, Timeout: p.Timeout}, nil

	case obsidianOpConfigureDispatchBuffer:
		var p obsidianConfigureDispatchBuffer
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		return ConfigureDispatchBufferCommand{Timeout: p.Timeout}, nil

	default:
		return UnknownPayload{Op: strconv.Itoa(env.Op), Raw: data}, nil
	}
}

func decodeObsidianEvent(p obsidianEvent, raw []byte) Payload {
	// Obsidian events carry only the encoded track id.
	track := objects.Track{Encoded: p.Track}
	switch p.Type {
	case "TRACK_START":
		return TrackStartEvent{GuildID: p.GuildID, Track: track}
	case "TRACK_END":
		return TrackEndEvent{GuildID: p.GuildID, Track: track, Reason: obsidianEndReason(p.Reason)}
	case "TRACK_EXCEPTION":
		e := TrackExceptionEvent{GuildID: p.GuildID, Track: track}
		if p.Exception != nil {
			e.Message = p.Exception.Message
			e.Severity = obsidianSeverity(p.Exception.Severity)
			e.Cause = p.Exception.Cause
		}
		return e
	case "TRACK_STUCK":
		return TrackStuckEvent{
			GuildID: p.GuildID, Track: track,
			Threshold: time.Duration(p.Threshold) * time.Millisecond,
		}
	case "WEBSOCKET_CLOSED":
		return WebSocketClosedEvent{GuildID: p.GuildID, Code: p.Code, Reason: p.Reason, ByRemote: p.ByRemote}
	default:
		return UnknownEvent{GuildID: p.GuildID, Type: p.Type, Raw: raw}
	}
}

func obsidianEndReason(reason string) objects.TrackEndReason {
	switch reason {
	case "LOAD_FAILED":
		return objects.TrackEndLoadFailed
	default:
		return objects.TrackEndReason(strings.ToLower(reason))
	}
}

func obsidianSeverity(severity string) objects.Severity {
	switch severity {
	case "FAULT":
		return objects.SeverityFatal
	default:
		return objects.Severity(strings.ToLower(severity))
	}
}
