package driver

import (
	"context"
	"errors"
)

// Capabilities owned outside the coordination core. The core never
// interprets audio; it only moves opaque refs and handles between these.

var (
	// ErrNotReady means the audio ref for a message is not yet resolvable.
	// Transient; the playback engine retries a fixed number of times.
	ErrNotReady = errors.New("audio ref not ready")

	// ErrDeviceBusy and ErrPermissionDenied are surfaced to the caller;
	// the core does not retry them.
	ErrDeviceBusy       = errors.New("audio device busy")
	ErrPermissionDenied = errors.New("audio permission denied")
)

// Recorder captures audio. StartRecording fails fast when the device is
// unavailable; StopRecording returns the opaque ref of the captured audio.
type Recorder interface {
	StartRecording(ctx context.Context) (handle string, err error)
	StopRecording(ctx context.Context, handle string) (audioRef string, err error)
}

// Player plays resolved audio refs. Finished events arrive on the callback
// registered with OnFinished, carrying the handle returned by Play.
type Player interface {
	Play(ctx context.Context, audioRef string) (handle string, err error)
	Pause(handle string) error
	Resume(handle string) error
	OnFinished(fn func(handle string))
}

// MessageService resolves message audio refs and records read state.
type MessageService interface {
	ResolveAudioRef(ctx context.Context, messageID string) (string, error)
	MarkRead(ctx context.Context, messageID string) error
	MarkViewed(ctx context.Context, messageID string) error
}
