package lava

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/lava/objects"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	command := PlayCommand{
		GuildID:   "490948346773045258",
		Track:     "QAAAjQIAJVJpY2sgQXN0bGV5",
		StartTime: 1500,
		EndTime:   30000,
		NoReplace: true,
	}

	for _, protocol := range []Protocol{ProtocolLavalink, ProtocolObsidian} {
		t.Run(protocol.String(), func(t *testing.T) {
			data, err := encodePayload(protocol, defaultMarshal, command)
			require.NoError(t, err)

			payload, err := decodePayload(protocol, defaultUnmarshal, data)
			require.NoError(t, err)
			assert.Equal(t, command, payload)
		})
	}
}

func TestDecodeLavalinkReady(t *testing.T) {
	frame := []byte(`{"op":"ready","resumed":true,"sessionId":"la3kfsdf5eafe848"}`)

	payload, err := decodePayload(ProtocolLavalink, defaultUnmarshal, frame)
	require.NoError(t, err)
	require.IsType(t, ReadyPayload{}, payload)

	ready := payload.(ReadyPayload)
	assert.Equal(t, "la3kfsdf5eafe848", ready.SessionID)
	assert.True(t, ready.Resumed)
}

func TestDecodeLavalinkPlayerUpdate(t *testing.T) {
	frame := []byte(`{
		"op": "playerUpdate",
		"guildId": "490948346773045258",
		"state": {"time": 1500467109, "position": 60000, "connected": true, "ping": 42}
	}`)

	payload, err := decodePayload(ProtocolLavalink, defaultUnmarshal, frame)
	require.NoError(t, err)
	require.IsType(t, PlayerUpdatePayload{}, payload)

	update := payload.(PlayerUpdatePayload)
	assert.Equal(t, "490948346773045258", update.GuildID)
	assert.Equal(t, int64(60000), update.State.Position)
	assert.Equal(t, int64(42), update.State.Ping)
	assert.True(t, update.State.Connected)
}

func TestDecodeLavalinkStatsWithoutFrameStats(t *testing.T) {
	frame := []byte(`{
		"op": "stats",
		"players": 3,
		"playingPlayers": 1,
		"uptime": 123456,
		"memory": {"free": 1, "used": 2, "allocated": 3, "reservable": 4},
		"cpu": {"cores": 4, "systemLoad": 0.5, "lavalinkLoad": 0.1},
		"frameStats": null
	}`)

	payload, err := decodePayload(ProtocolLavalink, defaultUnmarshal, frame)
	require.NoError(t, err)
	require.IsType(t, StatsPayload{}, payload)

	stats := payload.(StatsPayload).Stats
	assert.Equal(t, 3, stats.Players)
	assert.Equal(t, 1, stats.PlayingPlayers)
	// The frame counters keep their unknown sentinels when the node omits them.
	assert.Equal(t, int64(-1), stats.Frames.Sent)
	assert.Equal(t, int64(-1), stats.Frames.Deficit)
}

func TestDecodeLavalinkTrackEndEvent(t *testing.T) {
	frame := []byte(`{
		"op": "event",
		"type": "TrackEndEvent",
		"guildId": "490948346773045258",
		"track": {"encoded": "QAAAjQIA", "info": {"identifier": "dQw4w9WgXcQ", "title": "x"}},
		"reason": "finished"
	}`)

	payload, err := decodePayload(ProtocolLavalink, defaultUnmarshal, frame)
	require.NoError(t, err)
	require.IsType(t, TrackEndEvent{}, payload)

	event := payload.(TrackEndEvent)
	assert.Equal(t, "490948346773045258", event.GuildID)
	assert.Equal(t, objects.TrackEndFinished, event.Reason)
	assert.True(t, event.Reason.MayStartNext())
	assert.Equal(t, "QAAAjQIA", event.Track.Encoded)
}

func TestDecodeUnknownOp(t *testing.T) {
	lavalink := []byte(`{"op":"somethingNew","data":1}`)
	payload, err := decodePayload(ProtocolLavalink, defaultUnmarshal, lavalink)
	require.NoError(t, err)
	require.IsType(t, UnknownPayload{}, payload)
	assert.Equal(t, "somethingNew", payload.(UnknownPayload).Op)

	obsidian := []byte(`{"op":99,"d":{}}`)
	payload, err = decodePayload(ProtocolObsidian, defaultUnmarshal, obsidian)
	require.NoError(t, err)
	require.IsType(t, UnknownPayload{}, payload)
	assert.Equal(t, "99", payload.(UnknownPayload).Op)
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, err := decodePayload(ProtocolLavalink, defaultUnmarshal, []byte(`{not json`))
	assert.Error(t, err)
}

func TestDecodeObsidianPlayerUpdate(t *testing.T) {
	frame := []byte(`{
		"op": 5,
		"d": {
			"guild_id": "490948346773045258",
			"current_track": {"track": "QAAAjQIA", "position": 2500, "paused": false},
			"frames": {"sent": 100, "lost": 0, "usable": true}
		}
	}`)

	payload, err := decodePayload(ProtocolObsidian, defaultUnmarshal, frame)
	require.NoError(t, err)
	require.IsType(t, PlayerUpdatePayload{}, payload)

	update := payload.(PlayerUpdatePayload)
	assert.Equal(t, "490948346773045258", update.GuildID)
	assert.Equal(t, int64(2500), update.State.Position)
	assert.True(t, update.State.Connected)
	// This dialect does not report latency.
	assert.Equal(t, int64(-1), update.State.Ping)
}

func TestDecodeObsidianStats(t *testing.T) {
	frame := []byte(`{
		"op": 1,
		"d": {
			"memory": {"heap_used": {"used": 100}, "non_heap_used": {"used": 50}},
			"cpu": {"cores": 8, "system_load": 0.25, "process_load": 0.05},
			"players": {"active": 2, "total": 7}
		}
	}`)

	payload, err := decodePayload(ProtocolObsidian, defaultUnmarshal, frame)
	require.NoError(t, err)
	require.IsType(t, StatsPayload{}, payload)

	stats := payload.(StatsPayload).Stats
	assert.Equal(t, 7, stats.Players)
	assert.Equal(t, 2, stats.PlayingPlayers)
	assert.Equal(t, int64(150), stats.Memory.Used)
	assert.Equal(t, 8, stats.CPU.Cores)
	assert.Equal(t, 0.05, stats.CPU.LavalinkLoad)
}

func TestDecodeObsidianEvents(t *testing.T) {
	end := []byte(`{
		"op": 4,
		"d": {"type": "TRACK_END", "guild_id": "1", "track": "QAAAjQIA", "reason": "LOAD_FAILED"}
	}`)
	payload, err := decodePayload(ProtocolObsidian, defaultUnmarshal, end)
	require.NoError(t, err)
	require.IsType(t, TrackEndEvent{}, payload)
	event := payload.(TrackEndEvent)
	assert.Equal(t, objects.TrackEndLoadFailed, event.Reason)
	assert.True(t, event.Reason.MayStartNext())
	assert.Equal(t, "QAAAjQIA", event.Track.Encoded)

	exception := []byte(`{
		"op": 4,
		"d": {
			"type": "TRACK_EXCEPTION",
			"guild_id": "1",
			"track": "QAAAjQIA",
			"exception": {"message": "boom", "severity": "FAULT", "cause": "java.lang.Exception"}
		}
	}`)
	payload, err = decodePayload(ProtocolObsidian, defaultUnmarshal, exception)
	require.NoError(t, err)
	require.IsType(t, TrackExceptionEvent{}, payload)
	exc := payload.(TrackExceptionEvent)
	assert.Equal(t, objects.SeverityFatal, exc.Severity)
	assert.Equal(t, "boom", exc.Message)

	stuck := []byte(`{
		"op": 4,
		"d": {"type": "TRACK_STUCK", "guild_id": "1", "track": "QAAAjQIA", "threshold_ms": 10000}
	}`)
	payload, err = decodePayload(ProtocolObsidian, defaultUnmarshal, stuck)
	require.NoError(t, err)
	require.IsType(t, TrackStuckEvent{}, payload)
	assert.Equal(t, 10*time.Second, payload.(TrackStuckEvent).Threshold)

	closed := []byte(`{
		"op": 4,
		"d": {"type": "WEBSOCKET_CLOSED", "guild_id": "1", "code": 4006, "by_remote": true}
	}`)
	payload, err = decodePayload(ProtocolObsidian, defaultUnmarshal, closed)
	require.NoError(t, err)
	require.IsType(t, WebSocketClosedEvent{}, payload)
	assert.Equal(t, 4006, payload.(WebSocketClosedEvent).Code)

	unknown := []byte(`{
		"op": 4,
		"d": {"type": "SOMETHING_ELSE", "guild_id": "1"}
	}`)
	payload, err = decodePayload(ProtocolObsidian, defaultUnmarshal, unknown)
	require.NoError(t, err)
	require.IsType(t, UnknownEvent{}, payload)
	assert.Equal(t, "SOMETHING_ELSE", payload.(UnknownEvent).Type)
}

func TestEncodeObsidianEnvelope(t *testing.T) {
	data, err := encodePayload(ProtocolObsidian, defaultMarshal, StopCommand{GuildID: "1"})
	require.NoError(t, err)

	var env struct {
		Op int `json:"op"`
		D  struct {
			GuildID string `json:"guild_id"`
		} `json:"d"`
	}
	require.NoError(t, defaultUnmarshal(data, &env))
	assert.Equal(t, obsidianOpStop, env.Op)
	assert.Equal(t, "1", env.D.GuildID)
}
