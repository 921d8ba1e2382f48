package objects

// PlaylistInfo is the metadata block of a loaded playlist.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

// Playlist is a named collection of tracks returned by a loadtracks call.
type Playlist struct {
	Info   PlaylistInfo   `json:"info"`
	Plugin map[string]any `json:"pluginInfo,omitempty"`
	Tracks []Track        `json:"tracks"`
}

// Result is the outcome of a successful search: the loaded source plus the
// flat list of playable tracks it yielded.
type Result struct {
	LoadType LoadType
	Playlist *Playlist
	Tracks   []Track
}
