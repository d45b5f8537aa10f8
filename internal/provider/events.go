package provider

// PlaybackState is the coarse transport state reported by a source.
type PlaybackState string

const (
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
	StateStopped PlaybackState = "stopped"
	StateIdle    PlaybackState = "idle"
)

// Payload is a normalized now-playing report from a source.
// An empty Title or StateStopped means "nothing playing", which is a
// perfectly healthy report, never an error.
type Payload struct {
	Title      string        `json:"title"`
	Artist     string        `json:"artist,omitempty"`
	Album      string        `json:"album,omitempty"`
	ArtworkURL string        `json:"artwork_url,omitempty"`
	State      PlaybackState `json:"state"`
	IsPlaying  bool          `json:"is_playing"`
	PositionMs int           `json:"position_ms,omitempty"`
	DurationMs int           `json:"duration_ms,omitempty"`
	DeviceName string        `json:"device_name,omitempty"`
}

// HasTrack reports whether the payload carries track metadata.
func (p Payload) HasTrack() bool {
	return p.Title != ""
}

// Stopped reports whether the payload describes stopped playback,
// either explicitly or by carrying no track at all.
func (p Payload) Stopped() bool {
	return p.State == StateStopped || !p.HasTrack()
}

// Status is a transport-level status change from a source.
type Status struct {
	Connected   bool   `json:"connected"`
	Reconnected bool   `json:"reconnected,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Event is one item on a source's event stream. Exactly one of Payload,
// Err, or Status is set.
type Event struct {
	Provider ID
	Payload  *Payload
	Err      error
	Status   *Status
}
