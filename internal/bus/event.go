package bus

import "encoding/json"

// Outbound event kinds. These are the `type` discriminators clients see.
const (
	EventChatMessage      = "chat.message"
	EventMessageEdited    = "message.edited"
	EventMessageDeleted   = "message.deleted"
	EventMessageReaction  = "message.reaction"
	EventStatusUpdate     = "status.update"
	EventTyping           = "typing.indicator"
	EventPresenceUpdate   = "presence.update"
	EventCallIncoming     = "call.incoming"
	EventCallInitiated    = "call.initiated"
	EventCallAccepted     = "call.accepted"
	EventCallRejected     = "call.rejected"
	EventCallEnded        = "call.ended"
	EventCallOffer        = "call.offer"
	EventCallAnswer       = "call.answer"
	EventCallICECandidate = "call.ice_candidate"
	EventCallParticipant  = "call.participant_update"
	EventSecurityAlert    = "security.alert"
	EventNotification     = "notification.new"
	EventError            = "error"
)

// Event is one unit of fan-out on the topic bus.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Critical events survive queue overflow; everything else may be shed
// under backpressure.
func (e Event) Critical() bool {
	switch e.Type {
	case EventCallIncoming, EventCallEnded, EventSecurityAlert:
		return true
	}
	return false
}

// Encode renders the event as a wire frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
