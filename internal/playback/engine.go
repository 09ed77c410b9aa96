package playback

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"walkie/coord/internal/audiocache"
	"walkie/coord/internal/driver"
	"walkie/coord/internal/playedstore"
)

// KindVoice is the only message kind the queue accepts.
const KindVoice = "voice"

// Message is one unplayed voice message.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	CreatedAt time.Time // authoritative ordering key
	AudioRef  string    // may be empty until resolved
	Kind      string
	IsRead    bool
}

type Config struct {
	SettleDelay        time.Duration
	ResolveMaxAttempts int
	ResolveRetryDelay  time.Duration
	QueueMaxRetries    int
	LockStale          time.Duration
}

// Engine plays all unread voice messages for the active chat, in ascending
// CreatedAt order, exactly once. A single-flight processing lock with an
// owner tag and timestamp guarantees one in-flight message; a lock with no
// progress past LockStale is stolen so the engine cannot wedge on a dead
// playback device.
type Engine struct {
	cfg    Config
	cache  *audiocache.Manager
	msgs   driver.MessageService
	played playedstore.Store

	// OnQueueComplete fires when the queue drains or is abandoned.
	// OnPlaybackEnded fires after each message finishes playing.
	OnQueueComplete func()
	OnPlaybackEnded func(messageID string)

	// Gate defers processing while it returns false. Playback must not
	// overlap an active local recording; the queue resumes on the next
	// ProcessNext kick.
	Gate func() bool

	mu          sync.Mutex
	chatID      string
	localUserID string
	chatSize    int
	gen         int // bumped on clear; cancels in-flight workers

	queue      []Message
	processed  map[string]struct{}
	currentID  string
	currentHdl string
	retryCount int

	lockOwner string
	lockAt    time.Time
}

func NewEngine(cfg Config, cache *audiocache.Manager, msgs driver.MessageService, played playedstore.Store) *Engine {
	return &Engine{
		cfg:       cfg,
		cache:     cache,
		msgs:      msgs,
		played:    played,
		processed: make(map[string]struct{}),
	}
}

// Bind points the engine at a chat and resets all queue state.
func (e *Engine) Bind(chatID, localUserID string, chatSize int) {
	e.mu.Lock()
	e.chatID = chatID
	e.localUserID = localUserID
	e.chatSize = chatSize
	e.resetLocked(true)
	e.mu.Unlock()
}

// Enqueue inserts a message, keeping CreatedAt order. Rejected: non-voice,
// already processed or played, already present, already read, and in
// two-party chats the local user's own messages. In larger chats own
// messages stay so the sender can replay them.
func (e *Engine) Enqueue(msg Message) bool {
	if msg.Kind != KindVoice || msg.IsRead {
		return false
	}
	e.mu.Lock()
	if msg.ChatID != e.chatID {
		e.mu.Unlock()
		return false
	}
	if e.chatSize == 2 && msg.SenderID == e.localUserID {
		e.mu.Unlock()
		return false
	}
	if _, ok := e.processed[msg.ID]; ok {
		e.mu.Unlock()
		return false
	}
	for _, q := range e.queue {
		if q.ID == msg.ID {
			e.mu.Unlock()
			return false
		}
	}
	chatID := e.chatID
	e.mu.Unlock()

	// Survives restarts: skip anything the persistent store says we played.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	wasPlayed, err := e.played.Contains(ctx, chatID, msg.ID)
	cancel()
	if err != nil {
		log.Printf("[playback] played-store lookup failed msg=%s: %v", msg.ID, err)
	}
	if wasPlayed {
		return false
	}

	e.mu.Lock()
	// The store lookup ran without the lock; a concurrent delivery of the
	// same id may have inserted or processed it in the meantime.
	if _, ok := e.processed[msg.ID]; ok {
		e.mu.Unlock()
		return false
	}
	for _, q := range e.queue {
		if q.ID == msg.ID {
			e.mu.Unlock()
			return false
		}
	}
	e.queue = append(e.queue, msg)
	sort.SliceStable(e.queue, func(i, j int) bool {
		return e.queue[i].CreatedAt.Before(e.queue[j].CreatedAt)
	})
	depth := len(e.queue)
	e.mu.Unlock()
	metricEnqueued.Inc()
	metricQueueDepth.Set(float64(depth))
	return true
}

// ProcessNext drives the queue. Safe to call at any time; a no-op when a
// worker already holds a fresh processing lock or a message is playing.
func (e *Engine) ProcessNext() {
	e.mu.Lock()
	if e.currentID != "" {
		e.mu.Unlock()
		return
	}
	if e.lockOwner != "" {
		if time.Since(e.lockAt) < e.cfg.LockStale {
			e.mu.Unlock()
			return
		}
		log.Printf("[playback] processing lock %s stale for %v, stealing", e.lockOwner, time.Since(e.lockAt))
		metricStuckLockResets.Inc()
	}
	owner := uuid.New().String()
	e.lockOwner = owner
	e.lockAt = time.Now()
	gen := e.gen
	e.mu.Unlock()

	go e.run(owner, gen)
}

// run owns the processing lock until it either starts a playback or drains
// the queue. Each step refreshes lockAt so only a genuinely wedged worker
// loses the lock.
func (e *Engine) run(owner string, gen int) {
	for {
		e.mu.Lock()
		if !e.ownsLocked(owner, gen) {
			e.mu.Unlock()
			return
		}
		if len(e.queue) == 0 {
			e.releaseLocked()
			cb := e.OnQueueComplete
			e.mu.Unlock()
			metricQueueDepth.Set(0)
			if cb != nil {
				cb()
			}
			return
		}
		head := e.queue[0]
		_, done := e.processed[head.ID]
		if head.IsRead || done {
			e.queue = e.queue[1:]
			e.processed[head.ID] = struct{}{}
			metricQueueDepth.Set(float64(len(e.queue)))
			e.mu.Unlock()
			continue
		}
		e.lockAt = time.Now()
		gate := e.Gate
		e.mu.Unlock()

		if gate != nil && !gate() {
			e.mu.Lock()
			if e.ownsLocked(owner, gen) {
				e.releaseLocked()
			}
			e.mu.Unlock()
			return
		}

		// Settle delay: let the UI render the arriving message first.
		time.Sleep(e.cfg.SettleDelay)

		ref, ok := e.resolveRef(owner, gen, head)
		if !ok {
			if e.failMessage(owner, gen, head.ID) {
				continue
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		handle, err := e.cache.Play(ctx, head.ID, ref)
		cancel()
		if err != nil {
			log.Printf("[playback] play failed msg=%s: %v", head.ID, err)
			metricPlayFailures.Inc()
			if e.failMessage(owner, gen, head.ID) {
				continue
			}
			return
		}

		e.mu.Lock()
		if !e.ownsLocked(owner, gen) {
			e.mu.Unlock()
			return
		}
		// Mark processed the moment playback starts so a duplicate arrival
		// of the same id cannot re-queue it.
		e.processed[head.ID] = struct{}{}
		e.currentID = head.ID
		e.currentHdl = handle
		chatID := e.chatID
		e.releaseLocked()
		e.mu.Unlock()

		metricPlayed.Inc()
		go e.persistPlayed(chatID, head.ID)
		return
	}
}

// resolveRef retries resolution a fixed number of times at a fixed delay.
func (e *Engine) resolveRef(owner string, gen int, msg Message) (string, bool) {
	if msg.AudioRef != "" {
		return msg.AudioRef, true
	}
	for attempt := 1; attempt <= e.cfg.ResolveMaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ref, err := e.msgs.ResolveAudioRef(ctx, msg.ID)
		cancel()
		if err == nil && ref != "" {
			return ref, true
		}
		metricResolveRetries.Inc()

		e.mu.Lock()
		if !e.ownsLocked(owner, gen) {
			e.mu.Unlock()
			return "", false
		}
		e.lockAt = time.Now()
		e.mu.Unlock()
		time.Sleep(e.cfg.ResolveRetryDelay)
	}
	log.Printf("[playback] audio ref never resolved msg=%s after %d attempts, dropping", msg.ID, e.cfg.ResolveMaxAttempts)
	return "", false
}

// failMessage drops a failed message and advances. Returns false when the
// cumulative failure budget is spent and the whole queue was abandoned.
func (e *Engine) failMessage(owner string, gen int, msgID string) bool {
	e.mu.Lock()
	if !e.ownsLocked(owner, gen) {
		e.mu.Unlock()
		return false
	}
	e.processed[msgID] = struct{}{}
	if len(e.queue) > 0 && e.queue[0].ID == msgID {
		e.queue = e.queue[1:]
	}
	metricQueueDepth.Set(float64(len(e.queue)))
	e.retryCount++
	metricDropped.Inc()
	if e.retryCount >= e.cfg.QueueMaxRetries {
		log.Printf("[playback] %d consecutive failures, abandoning queue chat=%s", e.retryCount, e.chatID)
		e.queue = nil
		e.retryCount = 0
		e.releaseLocked()
		cb := e.OnQueueComplete
		e.mu.Unlock()
		metricQueueAbandons.Inc()
		metricQueueDepth.Set(0)
		if cb != nil {
			cb()
		}
		return false
	}
	e.mu.Unlock()
	return true
}

// HandlePlaybackFinished is wired to the playback driver's finished
// callback. Marks the message read, pops it if still at the head, then
// continues the drain.
func (e *Engine) HandlePlaybackFinished(handle string) {
	e.mu.Lock()
	if handle != e.currentHdl || e.currentID == "" {
		e.mu.Unlock()
		return
	}
	msgID := e.currentID
	e.currentID = ""
	e.currentHdl = ""
	if len(e.queue) > 0 && e.queue[0].ID == msgID {
		e.queue = e.queue[1:]
	}
	metricQueueDepth.Set(float64(len(e.queue)))
	ended := e.OnPlaybackEnded
	e.mu.Unlock()

	// Read state lives with the message service; failures only log.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := e.msgs.MarkRead(ctx, msgID); err != nil {
		log.Printf("[playback] mark read failed msg=%s: %v", msgID, err)
	}
	if err := e.msgs.MarkViewed(ctx, msgID); err != nil {
		log.Printf("[playback] mark viewed failed msg=%s: %v", msgID, err)
	}
	cancel()

	if ended != nil {
		ended(msgID)
	}
	e.ProcessNext()
}

// Remove drops a message before it plays (user skipped or left).
func (e *Engine) Remove(messageID string) {
	e.mu.Lock()
	if e.currentID == messageID {
		e.mu.Unlock()
		return
	}
	for i, q := range e.queue {
		if q.ID == messageID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			metricQueueDepth.Set(float64(len(e.queue)))
			break
		}
	}
	e.mu.Unlock()
}

// Clear drops queue state; processed ids are kept.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.resetLocked(false)
	e.mu.Unlock()
}

// ResetForNewChat drops everything including the processed-id set.
func (e *Engine) ResetForNewChat() {
	e.mu.Lock()
	e.resetLocked(true)
	e.mu.Unlock()
}

// resetLocked cancels in-flight workers via the generation bump. Caller
// holds e.mu.
func (e *Engine) resetLocked(dropProcessed bool) {
	e.gen++
	e.queue = nil
	e.currentID = ""
	e.currentHdl = ""
	e.retryCount = 0
	e.lockOwner = ""
	e.lockAt = time.Time{}
	if dropProcessed {
		e.processed = make(map[string]struct{})
	}
	metricQueueDepth.Set(0)
}

func (e *Engine) ownsLocked(owner string, gen int) bool {
	return e.lockOwner == owner && e.gen == gen
}

func (e *Engine) releaseLocked() {
	e.lockOwner = ""
	e.lockAt = time.Time{}
}

func (e *Engine) persistPlayed(chatID, msgID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.played.Add(ctx, chatID, msgID); err != nil {
		log.Printf("[playback] persist played id failed msg=%s: %v", msgID, err)
	}
}

// --- accessors ---

// IsIdle reports no message playing and nothing pending.
func (e *Engine) IsIdle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentID == "" && len(e.queue) == 0 && e.lockOwner == ""
}

func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) CurrentlyPlaying() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentID
}

func (e *Engine) Processed(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.processed[messageID]
	return ok
}
