package autorecord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"walkie/coord/internal/audiocache"
	"walkie/coord/internal/floor"
	"walkie/coord/internal/playback"
	"walkie/coord/internal/playedstore"
	"walkie/coord/internal/transport"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []transport.Event
}

func (f *fakeChannel) Send(_ context.Context, evt transport.Event) error {
	f.mu.Lock()
	f.sent = append(f.sent, evt)
	f.mu.Unlock()
	return nil
}
func (f *fakeChannel) OnEvent(func(transport.Event)) {}
func (f *fakeChannel) Close() error                  { return nil }

func (f *fakeChannel) has(typ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.sent {
		if e.Type == typ {
			return true
		}
	}
	return false
}

type fakeLoader struct{}

func (fakeLoader) Load(_ context.Context, ref string) (string, int64, error) {
	return "dec:" + ref, 1000, nil
}

type fakePlayer struct{}

func (fakePlayer) Play(_ context.Context, ref string) (string, error) { return "h:" + ref, nil }
func (fakePlayer) Pause(string) error                                 { return nil }
func (fakePlayer) Resume(string) error                                { return nil }
func (fakePlayer) OnFinished(func(string))                            {}

type fakeMsgs struct{}

func (fakeMsgs) ResolveAudioRef(_ context.Context, id string) (string, error) { return "ref-" + id, nil }
func (fakeMsgs) MarkRead(_ context.Context, _ string) error                   { return nil }
func (fakeMsgs) MarkViewed(_ context.Context, _ string) error                 { return nil }

type fakeRecorder struct {
	mu     sync.Mutex
	fail   bool
	starts int
	stops  int
}

func (f *fakeRecorder) StartRecording(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("device busy")
	}
	f.starts++
	return "rec-handle", nil
}

func (f *fakeRecorder) StopRecording(context.Context, string) (string, error) {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return "captured-ref", nil
}

func (f *fakeRecorder) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type harness struct {
	eng *Engine
	fc  *floor.Client
	pq  *playback.Engine
	rec *fakeRecorder
	ch  *fakeChannel
}

func newHarness(chatSize int) *harness {
	ch := &fakeChannel{}
	fc := floor.NewClient(ch, floor.Config{
		RequestTimeout: 50 * time.Millisecond,
		LockStale:      30 * time.Second,
		StopEchoGuard:  5 * time.Second,
	})
	fc.Bind("chat1", "me", chatSize)

	cache := audiocache.New(fakeLoader{}, fakePlayer{}, 20, 10*time.Minute)
	pq := playback.NewEngine(playback.Config{
		SettleDelay:        time.Millisecond,
		ResolveMaxAttempts: 2,
		ResolveRetryDelay:  time.Millisecond,
		QueueMaxRetries:    5,
		LockStale:          100 * time.Millisecond,
	}, cache, fakeMsgs{}, playedstore.NewMemory())
	pq.Bind("chat1", "me", chatSize)

	rec := &fakeRecorder{}
	eng := NewEngine(Config{
		Enabled:            true,
		CooldownTwoParty:   20 * time.Second,
		CooldownGroup:      30 * time.Second,
		CooldownDegenerate: 15 * time.Second,
	}, fc, pq, rec)
	eng.Bind("chat1", "me", "Me", chatSize)
	return &harness{eng: eng, fc: fc, pq: pq, rec: rec, ch: ch}
}

func TestDisabledNeverAutoRecords(t *testing.T) {
	h := newHarness(2)
	h.eng.cfg.Enabled = false
	if h.eng.CanAutoRecord(ReasonChatEntry) {
		t.Fatal("disabled engine must never auto-record")
	}
}

func TestCooldownRespectedPerChatSize(t *testing.T) {
	for _, tc := range []struct {
		size     int
		cooldown time.Duration
	}{
		{2, 20 * time.Second},
		{5, 30 * time.Second},
		{1, 15 * time.Second},
	} {
		h := newHarness(tc.size)
		h.eng.mu.Lock()
		h.eng.lastAutoRecordAt = time.Now().Add(-tc.cooldown / 2)
		h.eng.mu.Unlock()
		if h.eng.CanAutoRecord(ReasonQueueCompleted) {
			t.Fatalf("size %d: cooldown not respected", tc.size)
		}
		h.eng.mu.Lock()
		h.eng.lastAutoRecordAt = time.Now().Add(-tc.cooldown - time.Second)
		h.eng.mu.Unlock()
		if !h.eng.CanAutoRecord(ReasonQueueCompleted) {
			t.Fatalf("size %d: elapsed cooldown still blocking", tc.size)
		}
	}
}

func TestMessageSentOnlyInGroupChats(t *testing.T) {
	if newHarness(2).eng.CanAutoRecord(ReasonMessageSent) {
		t.Fatal("message_sent must not apply to two-party chats")
	}
	if !newHarness(5).eng.CanAutoRecord(ReasonMessageSent) {
		t.Fatal("message_sent should apply to group chats")
	}
}

func TestChatEntrySingleAttempt(t *testing.T) {
	h := newHarness(2)
	if !h.eng.Trigger(context.Background(), ReasonChatEntry) {
		t.Fatal("first chat_entry trigger should start")
	}
	if _, err := h.eng.StopRecording(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.eng.mu.Lock()
	h.eng.lastAutoRecordAt = time.Time{} // rule out the cooldown
	h.eng.mu.Unlock()
	if h.eng.CanAutoRecord(ReasonChatEntry) {
		t.Fatal("second chat_entry in the same visit must be refused")
	}
}

func TestPeerRecordingBlocksTwoParty(t *testing.T) {
	h := newHarness(2)
	h.fc.OnStateUpdate([]string{"peer"})
	if h.eng.CanAutoRecord(ReasonPlaybackEnded) {
		t.Fatal("peer recording must block two-party auto-record")
	}
}

func TestPlaybackBusyBlocks(t *testing.T) {
	h := newHarness(3)
	h.pq.Enqueue(playback.Message{
		ID: "m1", ChatID: "chat1", SenderID: "other",
		CreatedAt: time.Now(), AudioRef: "r", Kind: playback.KindVoice,
	})
	if h.eng.CanAutoRecord(ReasonQueueCompleted) {
		t.Fatal("pending playback must block auto-record")
	}
}

func TestLateEntrantMayStillQueue(t *testing.T) {
	// Someone else holds the floor in a group chat: chat_entry may queue
	// even with playback pending.
	h := newHarness(4)
	h.fc.OnStateUpdate([]string{"talker"})
	h.pq.Enqueue(playback.Message{
		ID: "m1", ChatID: "chat1", SenderID: "other",
		CreatedAt: time.Now(), AudioRef: "r", Kind: playback.KindVoice,
	})
	if !h.eng.CanAutoRecord(ReasonChatEntry) {
		t.Fatal("late entrant should be allowed to queue mid-playback")
	}
	if !h.eng.Trigger(context.Background(), ReasonChatEntry) {
		t.Fatal("trigger should have joined the queue")
	}
	if h.eng.State() != StateQueueJoin {
		t.Fatalf("expected queue join, got %v", h.eng.State())
	}
	if !h.ch.has(transport.IntentJoinFloorQueue) {
		t.Fatal("no join intent sent")
	}
}

func TestDirectStartTwoParty(t *testing.T) {
	h := newHarness(2)
	if !h.eng.Trigger(context.Background(), ReasonPlaybackEnded) {
		t.Fatal("uncontested two-party trigger should start")
	}
	if h.eng.State() != StateRecording {
		t.Fatalf("expected recording, got %v", h.eng.State())
	}
	if h.fc.State() != floor.StateRecording {
		t.Fatalf("floor should confirm recording, got %v", h.fc.State())
	}
}

func TestUncontestedGroupStartsDirectly(t *testing.T) {
	h := newHarness(3)
	done := make(chan error, 1)
	go func() {
		if h.eng.Trigger(context.Background(), ReasonQueueCompleted) {
			done <- nil
		} else {
			done <- errors.New("trigger refused")
		}
	}()
	// The group path races a start intent against the grant.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !h.ch.has(transport.IntentStartRecording) {
		time.Sleep(time.Millisecond)
	}
	h.ch.mu.Lock()
	var cmdID string
	for _, e := range h.ch.sent {
		if e.Type == transport.IntentStartRecording {
			cmdID = e.CommandID
		}
	}
	h.ch.mu.Unlock()
	h.fc.OnGranted("me", cmdID)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if h.eng.State() != StateRecording {
		t.Fatalf("expected recording, got %v", h.eng.State())
	}
}

func TestQueuedGrantStartsWhenIdle(t *testing.T) {
	h := newHarness(4)
	h.fc.OnStateUpdate([]string{"talker"})
	if !h.eng.Trigger(context.Background(), ReasonChatEntry) {
		t.Fatal("trigger should queue")
	}
	h.fc.OnStateUpdate(nil) // talker finished
	h.fc.OnQueueUpdated([]floor.QueueEntry{{UserID: "me", JoinedAt: time.Now(), IsAuto: true}})
	h.fc.OnGranted("me", "")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.eng.State() != StateRecording {
		time.Sleep(time.Millisecond)
	}
	if h.eng.State() != StateRecording {
		t.Fatalf("grant at position 1 should start recording, got %v", h.eng.State())
	}
}

func TestGrantDeferredWhilePlaybackBusy(t *testing.T) {
	h := newHarness(4)
	h.fc.OnStateUpdate([]string{"talker"})
	if !h.eng.Trigger(context.Background(), ReasonChatEntry) {
		t.Fatal("trigger should queue")
	}
	h.pq.Enqueue(playback.Message{
		ID: "m1", ChatID: "chat1", SenderID: "other",
		CreatedAt: time.Now(), AudioRef: "r", Kind: playback.KindVoice,
	})
	h.fc.OnStateUpdate(nil)
	h.fc.OnQueueUpdated([]floor.QueueEntry{{UserID: "me", JoinedAt: time.Now(), IsAuto: true}})
	h.fc.OnGranted("me", "")

	if h.eng.State() == StateRecording {
		t.Fatal("must not record while queued playback is pending")
	}
	h.pq.Clear()
	h.eng.HandlePlaybackIdle()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.eng.State() != StateRecording {
		time.Sleep(time.Millisecond)
	}
	if h.eng.State() != StateRecording {
		t.Fatalf("held grant should start once playback drains, got %v", h.eng.State())
	}
}

func TestDriverFailureRevertsWithoutRetry(t *testing.T) {
	h := newHarness(2)
	h.rec.fail = true
	if h.eng.Trigger(context.Background(), ReasonChatEntry) {
		t.Fatal("trigger should report failure")
	}
	if h.eng.State() != StateNotRecording {
		t.Fatalf("driver failure must revert to not recording, got %v", h.eng.State())
	}
	if h.rec.starts != 0 {
		t.Fatal("no successful start expected")
	}
	// No automatic retry: nothing happens until the next external reason.
	time.Sleep(20 * time.Millisecond)
	if h.eng.State() != StateNotRecording {
		t.Fatal("engine retried on its own")
	}
}

func TestRevokedStartStopsDriverAndRequeues(t *testing.T) {
	h := newHarness(2)
	if !h.eng.Trigger(context.Background(), ReasonChatEntry) {
		t.Fatal("trigger should start")
	}
	h.ch.mu.Lock()
	var cmdID string
	for _, e := range h.ch.sent {
		if e.Type == transport.IntentStartRecording {
			cmdID = e.CommandID
		}
	}
	h.ch.mu.Unlock()

	// The peer won the double-start race; the server revokes our floor.
	h.fc.OnRejected("double_start", cmdID, []string{"peer"})

	if got := h.rec.stopCount(); got != 1 {
		t.Fatalf("recorder must stop on revoke, stops=%d", got)
	}
	if h.eng.State() != StateQueueJoin {
		t.Fatalf("expected queue join after revoke, got %v", h.eng.State())
	}
	if !h.ch.has(transport.IntentJoinFloorQueue) {
		t.Fatal("revoked start must rejoin the queue")
	}

	// The peer finishes and the queued retry is granted: it must record.
	h.fc.OnStateUpdate(nil)
	h.fc.OnQueueUpdated([]floor.QueueEntry{{UserID: "me", JoinedAt: time.Now(), IsAuto: true}})
	h.fc.OnGranted("me", "")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.eng.State() != StateRecording {
		time.Sleep(time.Millisecond)
	}
	if h.eng.State() != StateRecording {
		t.Fatalf("queued retry grant must start recording, got %v", h.eng.State())
	}
}

func TestStopStartsCooldown(t *testing.T) {
	h := newHarness(2)
	if !h.eng.Trigger(context.Background(), ReasonPlaybackEnded) {
		t.Fatal("trigger should start")
	}
	ref, err := h.eng.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ref != "captured-ref" {
		t.Fatalf("expected captured ref, got %q", ref)
	}
	if !h.eng.InCooldown() {
		t.Fatal("stop must start the cooldown")
	}
	if h.eng.CanAutoRecord(ReasonPlaybackEnded) {
		t.Fatal("cooldown must suppress the next attempt")
	}
}
