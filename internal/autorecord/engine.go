package autorecord

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"walkie/coord/internal/driver"
	"walkie/coord/internal/floor"
	"walkie/coord/internal/playback"
)

// Reason identifies what prompted an auto-record attempt.
type Reason string

const (
	ReasonChatEntry      Reason = "chat_entry"
	ReasonPlaybackEnded  Reason = "playback_ended"
	ReasonQueueGranted   Reason = "queue_granted"
	ReasonQueueCompleted Reason = "queue_completed"
	ReasonMessageSent    Reason = "message_sent"
)

// State of the auto-record lifecycle for the bound chat.
type State int

const (
	StateNotRecording State = iota
	StatePendingTrigger
	StateQueueJoin
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateNotRecording:
		return "not_recording"
	case StatePendingTrigger:
		return "pending_trigger"
	case StateQueueJoin:
		return "queue_join"
	case StateRecording:
		return "recording"
	}
	return "unknown"
}

type Config struct {
	Enabled            bool
	CooldownTwoParty   time.Duration
	CooldownGroup      time.Duration
	CooldownDegenerate time.Duration
}

// Engine decides whether the local user should begin recording without user
// action, and whether that requires queueing for the floor first. It never
// retries a failed driver start; it waits for the next external reason.
type Engine struct {
	cfg Config
	fc  *floor.Client
	pq  *playback.Engine
	rec driver.Recorder

	// OnRecordingStarted/Stopped let the application mirror driver state.
	OnRecordingStarted func()
	OnRecordingStopped func(audioRef string)

	mu       sync.Mutex
	chatID   string
	userID   string
	userName string
	chatSize int

	state            State
	hasAutoRecorded  bool // first-attempt guard for the current chat visit
	lastAutoRecordAt time.Time
	pendingGrant     bool // granted from queue but playback still busy
	recHandle        string
}

func NewEngine(cfg Config, fc *floor.Client, pq *playback.Engine, rec driver.Recorder) *Engine {
	e := &Engine{cfg: cfg, fc: fc, pq: pq, rec: rec}
	fc.OnGrant = e.handleQueueGrant
	fc.OnRevoked = e.handleRevoked
	return e
}

// Bind resets per-chat auto-record state for a new chat visit.
func (e *Engine) Bind(chatID, userID, userName string, chatSize int) {
	e.mu.Lock()
	e.chatID = chatID
	e.userID = userID
	e.userName = userName
	e.chatSize = chatSize
	e.state = StateNotRecording
	e.hasAutoRecorded = false
	e.lastAutoRecordAt = time.Time{}
	e.pendingGrant = false
	e.recHandle = ""
	e.mu.Unlock()
}

func (e *Engine) cooldown() time.Duration {
	switch {
	case e.chatSize <= 1:
		return e.cfg.CooldownDegenerate
	case e.chatSize == 2:
		return e.cfg.CooldownTwoParty
	default:
		return e.cfg.CooldownGroup
	}
}

// CanAutoRecord is the pure predicate over the combined state: feature on,
// not already recording or mid-start, floor reachable, playback idle, and
// the per-chat-size cooldown elapsed. Reasons refine the base predicate.
func (e *Engine) CanAutoRecord(reason Reason) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canAutoRecordLocked(reason)
}

func (e *Engine) canAutoRecordLocked(reason Reason) bool {
	if !e.cfg.Enabled {
		return false
	}
	if e.state != StateNotRecording {
		return false
	}
	if !e.lastAutoRecordAt.IsZero() && time.Since(e.lastAutoRecordAt) < e.cooldown() {
		metricSuppressed.WithLabelValues("cooldown").Inc()
		return false
	}
	if st := e.fc.State(); st != floor.StateIdle && st != floor.StateQueued {
		return false
	}
	// Two-party chats have no queue to fall back on: the peer recording is
	// a hard stop. Group chats can still queue.
	if e.chatSize == 2 && e.fc.IsAnyoneElseRecording() {
		metricSuppressed.WithLabelValues("peer_recording").Inc()
		return false
	}

	queueJoinNeeded := e.chatSize > 2 && e.fc.IsAnyoneElseRecording()

	switch reason {
	case ReasonChatEntry:
		// One attempt per chat visit, except that a late joiner may still
		// queue for the floor, even while playback is running.
		if e.hasAutoRecorded && !queueJoinNeeded {
			metricSuppressed.WithLabelValues("already_attempted").Inc()
			return false
		}
		if queueJoinNeeded {
			return true
		}
	case ReasonMessageSent:
		// Only group chats offer the floor back to a sender.
		if e.chatSize <= 2 {
			return false
		}
	case ReasonPlaybackEnded, ReasonQueueGranted, ReasonQueueCompleted:
	default:
		return false
	}

	if !e.pq.IsIdle() {
		metricSuppressed.WithLabelValues("playback_busy").Inc()
		return false
	}
	return true
}

// Trigger re-validates the predicate, then starts directly (two-party or
// uncontested group chats) or joins the floor queue, deferring the start to
// the grant. Returns true when a recording started or a queue join was made.
func (e *Engine) Trigger(ctx context.Context, reason Reason) bool {
	e.mu.Lock()
	if !e.canAutoRecordLocked(reason) {
		e.mu.Unlock()
		return false
	}
	e.hasAutoRecorded = true
	contested := e.chatSize > 2 && (e.fc.IsAnyoneElseRecording() || len(e.fc.Queue()) > 0)
	if contested {
		e.state = StateQueueJoin
		userName := e.userName
		e.mu.Unlock()
		metricTriggers.WithLabelValues(string(reason), "queue").Inc()
		if err := e.fc.Join(ctx, userName, true); err != nil {
			log.Printf("[autorecord] queue join failed: %v", err)
			e.mu.Lock()
			e.state = StateNotRecording
			e.mu.Unlock()
			return false
		}
		return true
	}

	e.state = StatePendingTrigger
	e.mu.Unlock()
	metricTriggers.WithLabelValues(string(reason), "direct").Inc()

	if err := e.fc.RequestStart(ctx, true); err != nil {
		if !errors.Is(err, floor.ErrFloorBusy) {
			log.Printf("[autorecord] floor request failed: %v", err)
		}
		e.mu.Lock()
		e.state = StateNotRecording
		e.mu.Unlock()
		return false
	}
	return e.startDriver(ctx)
}

// startDriver starts the recorder once the floor is granted. A driver
// failure reverts everything and leaves any queue membership; no retry.
func (e *Engine) startDriver(ctx context.Context) bool {
	handle, err := e.rec.StartRecording(ctx)
	if err != nil {
		log.Printf("[autorecord] recorder failed to start: %v", err)
		metricDriverFailures.Inc()
		_ = e.fc.EndRecording(ctx)
		_ = e.fc.Leave(ctx)
		e.mu.Lock()
		e.state = StateNotRecording
		e.pendingGrant = false
		e.mu.Unlock()
		return false
	}
	e.fc.ConfirmRecordingStarted()
	e.mu.Lock()
	e.state = StateRecording
	e.recHandle = handle
	started := e.OnRecordingStarted
	e.mu.Unlock()
	metricStarts.Inc()
	if started != nil {
		started()
	}
	return true
}

// handleQueueGrant runs when the floor client reports a grant for a queued
// join. Start only when playback is idle; otherwise hold the grant until
// the queue completes.
func (e *Engine) handleQueueGrant(isAuto bool) {
	if !isAuto {
		return
	}
	e.mu.Lock()
	if e.state != StateQueueJoin {
		e.mu.Unlock()
		return
	}
	if !e.pq.IsIdle() {
		e.pendingGrant = true
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.startDriver(ctx)
}

// HandlePlaybackIdle is called when the playback queue completes; a grant
// that arrived mid-playback starts now.
func (e *Engine) HandlePlaybackIdle() {
	e.mu.Lock()
	if !e.pendingGrant || e.state != StateQueueJoin {
		e.mu.Unlock()
		return
	}
	e.pendingGrant = false
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.startDriver(ctx)
}

// handleRevoked runs when an optimistic start lost the two-party race. The
// floor is already gone, so a running recorder must stop before the queued
// retry; the captured fragment is discarded.
func (e *Engine) handleRevoked(reason string) {
	e.mu.Lock()
	if e.state != StateRecording && e.state != StatePendingTrigger {
		e.mu.Unlock()
		return
	}
	handle := e.recHandle
	e.state = StateQueueJoin
	e.recHandle = ""
	e.mu.Unlock()

	log.Printf("[autorecord] start revoked (%s)", reason)
	if handle != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := e.rec.StopRecording(ctx, handle); err != nil {
			log.Printf("[autorecord] recorder stop after revoke failed: %v", err)
		}
		cancel()
	}
}

// StopRecording ends the current auto recording, releases the floor and
// starts the cooldown. Returns the captured audio ref.
func (e *Engine) StopRecording(ctx context.Context) (string, error) {
	e.mu.Lock()
	if e.state != StateRecording {
		e.mu.Unlock()
		return "", nil
	}
	handle := e.recHandle
	e.mu.Unlock()

	audioRef, err := e.rec.StopRecording(ctx, handle)
	_ = e.fc.EndRecording(ctx)

	e.mu.Lock()
	e.state = StateNotRecording
	e.recHandle = ""
	e.lastAutoRecordAt = time.Now()
	stopped := e.OnRecordingStopped
	e.mu.Unlock()

	if err != nil {
		return "", err
	}
	if stopped != nil {
		stopped(audioRef)
	}
	return audioRef, nil
}

// --- accessors ---

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// InCooldown reports whether the per-chat-size cooldown is still running.
func (e *Engine) InCooldown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.lastAutoRecordAt.IsZero() && time.Since(e.lastAutoRecordAt) < e.cooldown()
}
