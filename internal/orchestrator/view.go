package orchestrator

import (
	"time"

	"github.com/strefethen/nowplaying-hub/internal/provider"
)

// Track is the normalized track metadata shown to the presentation layer.
type Track struct {
	Title      string `json:"title"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	ArtworkURL string `json:"artwork_url,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
}

// PlaybackInfo carries transport position and state.
type PlaybackInfo struct {
	State      provider.PlaybackState `json:"state"`
	PositionMs int                    `json:"position_ms,omitempty"`
}

// View is the single unified now-playing view. It is owned by the
// orchestrator; providers never write it directly, and readers only ever
// get copies. The Error field is for display only; fallback churn is
// invisible except through ActiveProvider and IsConnected.
type View struct {
	IsPlaying      bool          `json:"is_playing"`
	Track          *Track        `json:"track,omitempty"`
	Playback       *PlaybackInfo `json:"playback,omitempty"`
	Device         string        `json:"device,omitempty"`
	ActiveProvider provider.ID   `json:"active_provider,omitempty"`
	IsConnected    bool          `json:"is_connected"`
	IsLoading      bool          `json:"is_loading"`
	Error          string        `json:"error,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// View returns a copy of the current unified view.
func (o *Orchestrator) View() View {
	o.viewMu.RLock()
	defer o.viewMu.RUnlock()
	v := o.view
	if o.view.Track != nil {
		t := *o.view.Track
		v.Track = &t
	}
	if o.view.Playback != nil {
		p := *o.view.Playback
		v.Playback = &p
	}
	return v
}

// updateView mutates the view under its lock and broadcasts the result.
func (o *Orchestrator) updateView(mutate func(*View)) {
	o.viewMu.Lock()
	mutate(&o.view)
	o.view.UpdatedAt = o.now()
	snapshot := o.view
	o.viewMu.Unlock()
	if o.onView != nil {
		o.onView(snapshot)
	}
}

// applyPayload folds a normalized payload from the active provider into
// the view. An empty title or explicit "stopped" state clears the track;
// it is healthy data, not an error.
func (o *Orchestrator) applyPayload(id provider.ID, p provider.Payload) {
	o.updateView(func(v *View) {
		v.ActiveProvider = id
		v.IsConnected = true
		v.IsLoading = false
		v.Error = ""
		if p.Stopped() {
			v.IsPlaying = false
			v.Track = nil
			v.Playback = &PlaybackInfo{State: provider.StateStopped}
			v.Device = p.DeviceName
			return
		}
		v.IsPlaying = p.IsPlaying
		v.Track = &Track{
			Title:      p.Title,
			Artist:     p.Artist,
			Album:      p.Album,
			ArtworkURL: p.ArtworkURL,
			DurationMs: p.DurationMs,
		}
		v.Playback = &PlaybackInfo{State: p.State, PositionMs: p.PositionMs}
		v.Device = p.DeviceName
	})
}
