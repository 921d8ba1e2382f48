package objects

// The filter types mirror the node's filter configuration payload. Zero
// values are meaningful to the node, so every block is optional and omitted
// unless explicitly set.

// EqualizerBand adjusts the gain of one of the 15 equalizer bands.
// Gain ranges from -0.25 (muted) to 1.0, with 0 leaving the band untouched.
type EqualizerBand struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

// Karaoke uses equalization to eliminate part of a band, usually vocals.
type Karaoke struct {
	Level       float64 `json:"level"`
	MonoLevel   float64 `json:"monoLevel"`
	FilterBand  float64 `json:"filterBand"`
	FilterWidth float64 `json:"filterWidth"`
}

// Timescale changes the speed, pitch and rate of playback.
type Timescale struct {
	Speed float64 `json:"speed"`
	Pitch float64 `json:"pitch"`
	Rate  float64 `json:"rate"`
}

// Tremolo creates a shuddering effect by quickly oscillating the volume.
type Tremolo struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

// Vibrato oscillates the pitch rather than the volume.
type Vibrato struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

// Rotation pans the audio around the stereo field (8D effect).
type Rotation struct {
	RotationHz float64 `json:"rotationHz"`
}

// Distortion applies waveform distortion to the audio.
type Distortion struct {
	SinOffset float64 `json:"sinOffset"`
	SinScale  float64 `json:"sinScale"`
	CosOffset float64 `json:"cosOffset"`
	CosScale  float64 `json:"cosScale"`
	TanOffset float64 `json:"tanOffset"`
	TanScale  float64 `json:"tanScale"`
	Offset    float64 `json:"offset"`
	Scale     float64 `json:"scale"`
}

// ChannelMix mixes the left and right channels into each other.
type ChannelMix struct {
	LeftToLeft   float64 `json:"leftToLeft"`
	LeftToRight  float64 `json:"leftToRight"`
	RightToLeft  float64 `json:"rightToLeft"`
	RightToRight float64 `json:"rightToRight"`
}

// LowPass suppresses frequencies above the smoothing threshold.
type LowPass struct {
	Smoothing float64 `json:"smoothing"`
}

// Filter is the full filter configuration submitted to a node. Nil blocks
// are left out of the payload so the node keeps its current settings for
// them.
type Filter struct {
	Volume     *float64        `json:"volume,omitempty"`
	Equalizer  []EqualizerBand `json:"equalizer,omitempty"`
	Karaoke    *Karaoke        `json:"karaoke,omitempty"`
	Timescale  *Timescale      `json:"timescale,omitempty"`
	Tremolo    *Tremolo        `json:"tremolo,omitempty"`
	Vibrato    *Vibrato        `json:"vibrato,omitempty"`
	Rotation   *Rotation       `json:"rotation,omitempty"`
	Distortion *Distortion     `json:"distortion,omitempty"`
	ChannelMix *ChannelMix     `json:"channelMix,omitempty"`
	LowPass    *LowPass        `json:"lowPass,omitempty"`
}
