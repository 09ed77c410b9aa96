package floor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"walkie/coord/internal/sched"
	"walkie/coord/internal/transport"
)

// ErrFloorBusy means another participant holds or is about to hold the
// floor. Normal outcome, not a fault: callers queue instead of retrying.
var ErrFloorBusy = errors.New("floor busy")

// State is the local user's position in the floor protocol for one chat.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateQueued
	StateGranted
	StateRecording
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateQueued:
		return "queued"
	case StateGranted:
		return "granted"
	case StateRecording:
		return "recording"
	case StateEnding:
		return "ending"
	}
	return "unknown"
}

// QueueEntry mirrors one server-reported floor queue slot.
type QueueEntry struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	JoinedAt time.Time `json:"joined_at"`
	IsAuto   bool      `json:"is_auto"`
}

// Config holds the staleness thresholds.
type Config struct {
	RequestTimeout time.Duration // grant/reject race bound
	LockStale      time.Duration // pre-Recording lock force-reset
	StopEchoGuard  time.Duration // ignore stop echoes younger than this
}

// Client negotiates exclusive recording access for one chat at a time. The
// server side of the channel is authoritative: queue order is FIFO by join
// time as reported, never reordered locally, and local state is only ever
// overridden by explicit reset events.
type Client struct {
	ch    transport.Channel
	cfg   Config
	timer *sched.Scheduler

	// OnGrant fires when a queued join is granted the floor (position 1).
	// OnRevoked fires when an optimistic two-party start loses the race.
	OnGrant   func(isAuto bool)
	OnRevoked func(reason string)

	mu       sync.Mutex
	chatID   string
	userID   string
	chatSize int

	state          State
	recordingUsers map[string]struct{} // server-confirmed
	queue          []QueueEntry
	inQueue        bool
	joinedAuto     bool
	startAuto      bool // whether the current start attempt is automatic

	lastCommandID string    // last locally-initiated start request
	lockedAt      time.Time // when we left Idle, for stuck-lock reset
	recStartedAt  time.Time // for the stop-echo guard

	pending chan bool // grant/reject race for a blocking request
}

func NewClient(ch transport.Channel, cfg Config) *Client {
	return &Client{
		ch:             ch,
		cfg:            cfg,
		timer:          sched.New(),
		recordingUsers: make(map[string]struct{}),
	}
}

// Bind points the client at a chat. Any previous chat's floor state is
// abandoned; callers must Leave first if they were queued.
func (c *Client) Bind(chatID, userID string, chatSize int) {
	c.mu.Lock()
	c.chatID = chatID
	c.userID = userID
	c.chatSize = chatSize
	c.resetLocked()
	c.mu.Unlock()
}

// resetLocked clears all floor state. Caller holds c.mu.
func (c *Client) resetLocked() {
	c.state = StateIdle
	c.recordingUsers = make(map[string]struct{})
	c.queue = nil
	c.inQueue = false
	c.joinedAuto = false
	c.startAuto = false
	c.lastCommandID = ""
	c.lockedAt = time.Time{}
	if c.pending != nil {
		close(c.pending)
		c.pending = nil
	}
	c.timer.CancelAll()
}

// Join sends a queue-join intent. No-op if already joined.
func (c *Client) Join(ctx context.Context, userName string, isAuto bool) error {
	c.mu.Lock()
	if c.inQueue {
		c.mu.Unlock()
		return nil
	}
	c.inQueue = true
	c.joinedAuto = isAuto
	if c.state == StateIdle {
		c.state = StateQueued
	}
	chatID, userID := c.chatID, c.userID
	c.mu.Unlock()

	metricQueueJoins.Inc()
	return c.ch.Send(ctx, transport.Event{
		Type:   transport.IntentJoinFloorQueue,
		ChatID: chatID,
		UserID: userID,
		Payload: map[string]any{
			"user_name": userName,
			"is_auto":   isAuto,
		},
	})
}

// Leave sends a queue-leave intent and clears local queue flags. Must be
// called on chat switch, logout and teardown so the server does not carry
// an orphaned queue entry.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	wasQueued := c.inQueue
	c.inQueue = false
	c.joinedAuto = false
	if c.state == StateQueued {
		c.state = StateIdle
	}
	chatID, userID := c.chatID, c.userID
	c.mu.Unlock()

	if !wasQueued {
		return nil
	}
	return c.ch.Send(ctx, transport.Event{
		Type:   transport.IntentLeaveFloorQueue,
		ChatID: chatID,
		UserID: userID,
	})
}

// RequestStart asks for the floor. Two-party chats use the direct path:
// check local knowledge of the peer and either start optimistically or fail
// fast. Larger chats race a start intent against a grant/rejection with a
// bounded timeout; timeout counts as rejection. The auto flag marks starts
// initiated without user action and is carried into any queue rejoin after
// a revoked start.
func (c *Client) RequestStart(ctx context.Context, isAuto bool) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateQueued {
		c.mu.Unlock()
		return ErrFloorBusy
	}
	if c.anyoneElseRecordingLocked() {
		c.mu.Unlock()
		metricRejections.WithLabelValues("local").Inc()
		return ErrFloorBusy
	}
	cmdID := uuid.New().String()
	c.lastCommandID = cmdID
	c.startAuto = isAuto
	c.lockedAt = time.Now()
	chatID, userID := c.chatID, c.userID
	twoParty := c.chatSize == 2

	if twoParty {
		// Optimistic: the server confirms or rejects after the fact. A
		// late rejection (both sides started in the same window) arrives
		// through OnRejected and is reconciled there.
		c.state = StateGranted
		c.armStuckLockLocked()
		c.mu.Unlock()
		metricGrants.WithLabelValues("direct").Inc()
		return c.ch.Send(ctx, transport.Event{
			Type:      transport.IntentStartRecording,
			ChatID:    chatID,
			UserID:    userID,
			CommandID: cmdID,
		})
	}

	c.state = StateRequesting
	pending := make(chan bool, 1)
	c.pending = pending
	c.armStuckLockLocked()
	c.mu.Unlock()

	if err := c.ch.Send(ctx, transport.Event{
		Type:      transport.IntentStartRecording,
		ChatID:    chatID,
		UserID:    userID,
		CommandID: cmdID,
	}); err != nil {
		c.abandonRequest(cmdID)
		return err
	}

	select {
	case granted, ok := <-pending:
		if ok && granted {
			metricGrants.WithLabelValues("requested").Inc()
			return nil
		}
		metricRejections.WithLabelValues("server").Inc()
		return ErrFloorBusy
	case <-time.After(c.cfg.RequestTimeout):
		c.abandonRequest(cmdID)
		metricRejections.WithLabelValues("timeout").Inc()
		return ErrFloorBusy
	case <-ctx.Done():
		c.abandonRequest(cmdID)
		return ctx.Err()
	}
}

func (c *Client) abandonRequest(cmdID string) {
	c.mu.Lock()
	if c.lastCommandID == cmdID && c.state == StateRequesting {
		// A live queue entry survives a failed direct request.
		if c.inQueue {
			c.state = StateQueued
		} else {
			c.state = StateIdle
		}
		c.pending = nil
		c.timer.Cancel("floor.stuck")
	}
	c.mu.Unlock()
}

// ConfirmRecordingStarted moves Granted to Recording once the recording
// driver has actually started.
func (c *Client) ConfirmRecordingStarted() {
	c.mu.Lock()
	if c.state == StateGranted {
		c.state = StateRecording
		c.recStartedAt = time.Now()
		c.recordingUsers[c.userID] = struct{}{}
		c.timer.Cancel("floor.stuck")
	}
	c.mu.Unlock()
}

// EndRecording releases the floor after the driver has stopped.
func (c *Client) EndRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRecording && c.state != StateGranted {
		c.mu.Unlock()
		return nil
	}
	c.state = StateEnding
	delete(c.recordingUsers, c.userID)
	chatID, userID := c.chatID, c.userID
	cmdID := c.lastCommandID
	c.mu.Unlock()

	err := c.ch.Send(ctx, transport.Event{
		Type:      transport.IntentStopRecording,
		ChatID:    chatID,
		UserID:    userID,
		CommandID: cmdID,
	})

	c.mu.Lock()
	if c.state == StateEnding {
		c.state = StateIdle
		c.lastCommandID = ""
		c.lockedAt = time.Time{}
	}
	c.mu.Unlock()
	return err
}

// armStuckLockLocked schedules the force-reset for a lock that never
// reaches Recording. Caller holds c.mu.
func (c *Client) armStuckLockLocked() {
	c.timer.After("floor.stuck", c.cfg.LockStale, func() {
		c.mu.Lock()
		if c.state == StateRequesting || c.state == StateGranted {
			log.Printf("[floor] lock stuck in %s for %v, force reset", c.state, c.cfg.LockStale)
			c.resetLocked()
			metricStuckLockResets.Inc()
		}
		c.mu.Unlock()
	})
}

func (c *Client) anyoneElseRecordingLocked() bool {
	for id := range c.recordingUsers {
		if id != c.userID {
			return true
		}
	}
	return false
}

// --- inbound event handlers ---

// OnQueueUpdated replaces the local queue mirror with the server-reported
// order. The server is authoritative FIFO; no local reordering.
func (c *Client) OnQueueUpdated(entries []QueueEntry) {
	c.mu.Lock()
	c.queue = entries
	found := false
	for _, e := range entries {
		if e.UserID == c.userID {
			found = true
			break
		}
	}
	// Server view wins: if our entry is gone we are no longer queued.
	if c.inQueue && !found {
		c.inQueue = false
		if c.state == StateQueued {
			c.state = StateIdle
		}
	}
	c.mu.Unlock()
}

// OnGranted handles a floor grant. Grants for other users only update the
// recording-user mirror. Grants for the local user are checked against the
// last locally-initiated action; a grant we never asked for is stale.
func (c *Client) OnGranted(userID, commandID string) {
	c.mu.Lock()
	if userID != c.userID {
		c.recordingUsers[userID] = struct{}{}
		c.mu.Unlock()
		return
	}
	switch c.state {
	case StateRequesting:
		if commandID != "" && commandID != c.lastCommandID {
			c.mu.Unlock()
			c.ignoreStale("grant", commandID)
			return
		}
		c.state = StateGranted
		if c.pending != nil {
			c.pending <- true
			c.pending = nil
		}
		c.mu.Unlock()
	case StateQueued:
		c.state = StateGranted
		c.lockedAt = time.Now()
		c.inQueue = false
		isAuto := c.joinedAuto
		c.armStuckLockLocked()
		onGrant := c.OnGrant
		c.mu.Unlock()
		metricGrants.WithLabelValues("queued").Inc()
		if onGrant != nil {
			onGrant(isAuto)
		}
	default:
		c.mu.Unlock()
		c.ignoreStale("grant", commandID)
	}
}

// OnRejected handles a floor rejection, carrying the server's view of who
// is recording. A rejection for a request we no longer own is stale. A
// rejection of an optimistic two-party start joins the queue instead of
// failing silently.
func (c *Client) OnRejected(reason, commandID string, recordingUsers []string) {
	c.mu.Lock()
	c.recordingUsers = make(map[string]struct{}, len(recordingUsers))
	for _, id := range recordingUsers {
		c.recordingUsers[id] = struct{}{}
	}
	if commandID != "" && commandID != c.lastCommandID {
		c.mu.Unlock()
		c.ignoreStale("reject", commandID)
		return
	}
	switch c.state {
	case StateRequesting:
		if c.inQueue {
			c.state = StateQueued
		} else {
			c.state = StateIdle
		}
		c.timer.Cancel("floor.stuck")
		if c.pending != nil {
			c.pending <- false
			c.pending = nil
		}
		c.mu.Unlock()
	case StateGranted, StateRecording:
		// Lost the two-party double-start race: revert and queue up.
		wasAuto := c.startAuto
		c.state = StateIdle
		c.timer.Cancel("floor.stuck")
		delete(c.recordingUsers, c.userID)
		onRevoked := c.OnRevoked
		c.mu.Unlock()
		metricRejections.WithLabelValues("race").Inc()
		if onRevoked != nil {
			onRevoked(reason)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.Join(ctx, "", wasAuto)
		cancel()
	default:
		c.mu.Unlock()
		c.ignoreStale("reject", commandID)
	}
}

// OnStateReset clears all local floor state unconditionally.
func (c *Client) OnStateReset() {
	c.mu.Lock()
	log.Printf("[floor] state reset from server chat=%s", c.chatID)
	c.resetLocked()
	c.mu.Unlock()
}

// OnRecordingEnded handles a stop notification. Stop echoes arriving within
// the guard window of a fresh local recording belong to a previous session
// and are ignored.
func (c *Client) OnRecordingEnded(userID string) {
	c.mu.Lock()
	if userID == c.userID && c.state == StateRecording &&
		time.Since(c.recStartedAt) < c.cfg.StopEchoGuard {
		c.mu.Unlock()
		c.ignoreStale("stop", "")
		return
	}
	delete(c.recordingUsers, userID)
	if userID == c.userID && (c.state == StateRecording || c.state == StateEnding) {
		c.state = StateIdle
		c.lastCommandID = ""
	}
	c.mu.Unlock()
}

// OnStateUpdate mirrors the server's recording-user set.
func (c *Client) OnStateUpdate(recordingUsers []string) {
	c.mu.Lock()
	c.recordingUsers = make(map[string]struct{}, len(recordingUsers))
	for _, id := range recordingUsers {
		c.recordingUsers[id] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *Client) ignoreStale(kind, commandID string) {
	metricStaleEvents.WithLabelValues(kind).Inc()
	log.Printf("[floor] ignoring stale %s event cmd=%q", kind, commandID)
}

// --- accessors ---

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsAnyoneElseRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anyoneElseRecordingLocked()
}

func (c *Client) IsAnyoneRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recordingUsers) > 0
}

func (c *Client) InQueue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inQueue
}

// QueuePosition is 1-based; 0 means not queued.
func (c *Client) QueuePosition() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.queue {
		if e.UserID == c.userID {
			return i + 1
		}
	}
	return 0
}

// Queue returns a copy of the server-reported queue.
func (c *Client) Queue() []QueueEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QueueEntry, len(c.queue))
	copy(out, c.queue)
	return out
}
