// Package objects holds the value types exchanged with an audio node:
// tracks, playlists, search results, server stats, filters and route
// planner reports. They are plain data carriers; all protocol logic lives
// in the root package.
package objects

import "time"

// TrackInfo is the decoded metadata block of a track.
type TrackInfo struct {
	Identifier string  `json:"identifier"`
	Author     string  `json:"author"`
	Length     int64   `json:"length"`
	Position   int64   `json:"position"`
	Title      string  `json:"title"`
	URI        *string `json:"uri"`
	ArtworkURL *string `json:"artworkUrl"`
	ISRC       *string `json:"isrc"`
	SourceName string  `json:"sourceName"`
	IsSeekable bool    `json:"isSeekable"`
	IsStream   bool    `json:"isStream"`
}

// Track pairs the node's opaque encoded form with its metadata. The encoded
// string is what gets submitted back to the node to start playback.
type Track struct {
	Encoded  string         `json:"encoded"`
	Info     TrackInfo      `json:"info"`
	UserData map[string]any `json:"userData,omitempty"`
}

// Duration returns the track length as a time.Duration.
func (t *Track) Duration() time.Duration {
	return time.Duration(t.Info.Length) * time.Millisecond
}
