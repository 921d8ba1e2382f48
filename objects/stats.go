package objects

// MemoryStats reports the node's JVM memory usage in bytes.
type MemoryStats struct {
	Free       int64 `json:"free"`
	Used       int64 `json:"used"`
	Allocated  int64 `json:"allocated"`
	Reservable int64 `json:"reservable"`
}

// CPUStats reports the node's processor load.
type CPUStats struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats reports audio frame delivery over the last minute. The node
// omits this block entirely when no players are active.
type FrameStats struct {
	Sent    int64 `json:"sent"`
	Nulled  int64 `json:"nulled"`
	Deficit int64 `json:"deficit"`
}

// Stats is an aggregate health report from a node. Frame counters read -1
// when the node did not include frame statistics.
type Stats struct {
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Uptime         int64       `json:"uptime"`
	Memory         MemoryStats `json:"memory"`
	CPU            CPUStats    `json:"cpu"`
	Frames         FrameStats  `json:"-"`
}

// NewStats fills in the -1 sentinels for an absent frame block.
func NewStats() *Stats {
	return &Stats{Frames: FrameStats{Sent: -1, Nulled: -1, Deficit: -1}}
}
