package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"walkie/coord/internal/audiocache"
	"walkie/coord/internal/autorecord"
	"walkie/coord/internal/driver"
	"walkie/coord/internal/floor"
	"walkie/coord/internal/playback"
	"walkie/coord/internal/transport"
)

// Coordinator wires the floor client, playback queue and auto-record engine
// for one active chat and is the single surface the application (UI, socket
// layer) talks to.
type Coordinator struct {
	ch    transport.Channel
	fc    *floor.Client
	pq    *playback.Engine
	ar    *autorecord.Engine
	cache *audiocache.Manager
	rec   driver.Recorder

	// mu guards the active-session snapshot; HandleEvent runs on the
	// transport read loop while ActivateChat runs on the caller.
	mu       sync.Mutex
	chatID   string
	userID   string
	userName string
	chatSize int
}

func New(ch transport.Channel, fc *floor.Client, pq *playback.Engine, ar *autorecord.Engine,
	cache *audiocache.Manager, rec driver.Recorder, player driver.Player) *Coordinator {
	c := &Coordinator{ch: ch, fc: fc, pq: pq, ar: ar, cache: cache, rec: rec}

	player.OnFinished(pq.HandlePlaybackFinished)

	pq.OnQueueComplete = func() {
		ar.HandlePlaybackIdle()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ar.Trigger(ctx, autorecord.ReasonQueueCompleted)
	}
	pq.OnPlaybackEnded = func(string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ar.Trigger(ctx, autorecord.ReasonPlaybackEnded)
	}

	// Playback never overlaps an active local recording, manual or auto.
	// StateGranted counts too: the driver may start any moment. Hearing
	// messages while queued for the floor needs no carve-out here because
	// a queued user is not recording yet.
	pq.Gate = func() bool {
		if ar.State() == autorecord.StateRecording {
			return false
		}
		st := fc.State()
		return st != floor.StateRecording && st != floor.StateGranted
	}
	ar.OnRecordingStopped = func(string) { pq.ProcessNext() }

	ch.OnEvent(c.HandleEvent)
	return c
}

// ActivateChat binds every component to the chat, seeds the unread voice
// backlog and runs the chat-entry auto-record attempt. With a backlog
// pending, entry auto-record is suppressed until the queue drains.
func (c *Coordinator) ActivateChat(ctx context.Context, chatID, userID, userName string, chatSize int, unread ...playback.Message) {
	c.mu.Lock()
	prev := c.chatID
	c.mu.Unlock()
	if prev != "" && prev != chatID {
		c.DeactivateChat(ctx)
	}
	c.mu.Lock()
	c.chatID = chatID
	c.userID = userID
	c.userName = userName
	c.chatSize = chatSize
	c.mu.Unlock()

	c.fc.Bind(chatID, userID, chatSize)
	c.pq.Bind(chatID, userID, chatSize)
	c.ar.Bind(chatID, userID, userName, chatSize)
	c.cache.Clear()

	for _, m := range unread {
		if c.pq.Enqueue(m) && m.AudioRef != "" {
			c.cache.Preload(context.Background(), m.ID, m.AudioRef)
		}
	}

	log.Printf("[coord] chat activated chat=%s size=%d unread=%d", chatID, chatSize, len(unread))
	c.ar.Trigger(ctx, autorecord.ReasonChatEntry)
	c.pq.ProcessNext()
}

// DeactivateChat leaves the floor queue, clears the playback queue and
// drops cached audio. Must run on chat switch and teardown so the server
// does not keep an orphaned queue entry.
func (c *Coordinator) DeactivateChat(ctx context.Context) {
	c.mu.Lock()
	chatID := c.chatID
	c.chatID = ""
	c.mu.Unlock()
	if chatID == "" {
		return
	}
	if err := c.fc.Leave(ctx); err != nil {
		log.Printf("[coord] floor leave failed: %v", err)
	}
	c.pq.ResetForNewChat()
	c.cache.Clear()
	log.Printf("[coord] chat deactivated chat=%s", chatID)
}

// Logout tears everything down for a user session change.
func (c *Coordinator) Logout(ctx context.Context) {
	c.DeactivateChat(ctx)
	c.fc.OnStateReset()
}

// HandleEvent routes one inbound transport event. Events for other chats
// are dropped; duplicate and stale events are tolerated downstream.
func (c *Coordinator) HandleEvent(evt transport.Event) {
	c.mu.Lock()
	chatID := c.chatID
	c.mu.Unlock()
	if evt.ChatID != "" && chatID != "" && evt.ChatID != chatID {
		return
	}
	switch evt.Type {
	case transport.EventFloorGranted:
		c.fc.OnGranted(evt.UserID, evt.CommandID)
	case transport.EventFloorRejected:
		c.fc.OnRejected(evt.PayloadString("reason"), evt.CommandID, payloadStrings(evt, "recording_users"))
	case transport.EventFloorQueueUpdated:
		c.fc.OnQueueUpdated(parseQueue(evt))
	case transport.EventFloorReset:
		c.fc.OnStateReset()
	case transport.EventFloorStateUpdate:
		c.fc.OnStateUpdate(payloadStrings(evt, "recording_users"))
	case transport.EventRecordingEnded:
		c.fc.OnRecordingEnded(evt.UserID)
	case transport.EventNewMessage:
		c.handleNewMessage(evt)
	case transport.EventMessageReadUpdate:
		c.pq.Remove(evt.PayloadString("message_id"))
	default:
		log.Printf("[coord] unhandled event type %q", evt.Type)
	}
}

func (c *Coordinator) handleNewMessage(evt transport.Event) {
	msg := playback.Message{
		ID:        evt.PayloadString("id"),
		ChatID:    evt.ChatID,
		SenderID:  evt.UserID,
		CreatedAt: payloadTime(evt, "created_at_ms"),
		AudioRef:  evt.PayloadString("audio_ref"),
		Kind:      evt.PayloadString("kind"),
		IsRead:    evt.PayloadBool("is_read"),
	}
	if msg.ID == "" {
		return
	}
	accepted := c.pq.Enqueue(msg)
	if accepted {
		if msg.AudioRef != "" {
			c.cache.Preload(context.Background(), msg.ID, msg.AudioRef)
		}
		c.pq.ProcessNext()
	}
	c.mu.Lock()
	userID, chatSize := c.userID, c.chatSize
	c.mu.Unlock()
	// A sender in a group chat is offered the floor right after sending.
	if msg.SenderID == userID && chatSize > 2 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.ar.Trigger(ctx, autorecord.ReasonMessageSent)
	}
}

// StartRecording is the manual (user-initiated) start path.
func (c *Coordinator) StartRecording(ctx context.Context) (string, error) {
	if err := c.fc.RequestStart(ctx, false); err != nil {
		return "", err
	}
	handle, err := c.rec.StartRecording(ctx)
	if err != nil {
		_ = c.fc.EndRecording(ctx)
		return "", err
	}
	c.fc.ConfirmRecordingStarted()
	return handle, nil
}

// StopRecording ends the local recording, manual or auto, and releases the
// floor.
func (c *Coordinator) StopRecording(ctx context.Context, handle string) (string, error) {
	if c.ar.State() == autorecord.StateRecording {
		return c.ar.StopRecording(ctx)
	}
	audioRef, err := c.rec.StopRecording(ctx, handle)
	if e := c.fc.EndRecording(ctx); e != nil {
		log.Printf("[coord] floor release failed: %v", e)
	}
	// Playback held back by the recording resumes now.
	c.pq.ProcessNext()
	return audioRef, err
}

// --- payload helpers ---

func payloadStrings(evt transport.Event, key string) []string {
	raw, ok := evt.Payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func payloadTime(evt transport.Event, key string) time.Time {
	if evt.Payload == nil {
		return time.Time{}
	}
	switch v := evt.Payload[key].(type) {
	case float64:
		return time.UnixMilli(int64(v))
	case int64:
		return time.UnixMilli(v)
	}
	return time.Time{}
}

func parseQueue(evt transport.Event) []floor.QueueEntry {
	raw, ok := evt.Payload["queue"].([]any)
	if !ok {
		return nil
	}
	out := make([]floor.QueueEntry, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		e := floor.QueueEntry{}
		if s, ok := m["user_id"].(string); ok {
			e.UserID = s
		}
		if s, ok := m["user_name"].(string); ok {
			e.UserName = s
		}
		if f, ok := m["joined_at_ms"].(float64); ok {
			e.JoinedAt = time.UnixMilli(int64(f))
		}
		if b, ok := m["is_auto"].(bool); ok {
			e.IsAuto = b
		}
		out = append(out, e)
	}
	return out
}
