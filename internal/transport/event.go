package transport

// Intent and event names carried on the channel. Compatibility with the
// server side is at the level of these names and the payload fields below.
const (
	IntentJoinFloorQueue  = "join_floor_queue"
	IntentLeaveFloorQueue = "leave_floor_queue"
	IntentStartRecording  = "start_recording"
	IntentStopRecording   = "stop_recording"

	EventFloorStateUpdate  = "floor_state_update"
	EventFloorGranted      = "floor_granted"
	EventFloorRejected     = "floor_rejected"
	EventFloorQueueUpdated = "floor_queue_updated"
	EventFloorReset        = "floor_reset"
	EventRecordingEnded    = "recording_ended"
	EventNewMessage        = "new_message"
	EventMessageReadUpdate = "message_read_update"
)

// Event is the wire envelope for intents and events. Delivery is
// at-least-once and may reorder; consumers must tolerate duplicates.
type Event struct {
	Type      string         `json:"type"`
	TsMs      int64          `json:"ts_ms"`
	ChatID    string         `json:"chat_id"`
	Seq       int64          `json:"seq"`
	CommandID string         `json:"command_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// PayloadString extracts a string field from the payload, or "".
func (e Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadBool extracts a bool field from the payload, or false.
func (e Event) PayloadBool(key string) bool {
	if e.Payload == nil {
		return false
	}
	if v, ok := e.Payload[key].(bool); ok {
		return v
	}
	return false
}
