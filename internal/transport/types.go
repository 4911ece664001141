package transport

import "context"

// MessageCategory tags a raw message once, at the provider boundary.
// The pipeline never re-inspects message shape after ingestion.
type MessageCategory string

const (
	CategoryPeer      MessageCategory = "peer"      // a message typed by the chat peer
	CategorySystem    MessageCategory = "system"    // client-generated notice ("you recalled a message", ...)
	CategoryTimestamp MessageCategory = "timestamp" // inline time separator rows
	CategoryRecalled  MessageCategory = "recalled"  // recall placeholders
	CategorySelf      MessageCategory = "self"      // sent by the monitored account itself
	CategoryUnknown   MessageCategory = "unknown"
)

// RawMessage is the provider-side representation of one observed message.
// Ephemeral; never persisted.
type RawMessage struct {
	Category MessageCategory
	Content  string
	// Sender is the display name shown in the chat window.
	Sender string
	// SenderAlias is the contact-book remark name, preferred over Sender
	// when present.
	SenderAlias string
}

// ResolveSender returns the sender identity used for fingerprinting:
// alias if present, else display name, else the channel id. The fallback
// guarantees a non-empty sender.
func (m RawMessage) ResolveSender(channel string) string {
	if m.SenderAlias != "" {
		return m.SenderAlias
	}
	if m.Sender != "" {
		return m.Sender
	}
	return channel
}

// Provider is the chat-automation surface the monitor drives.
//
// Implementations are shared by all channel pollers and the supervisor's
// start/stop calls, and must be safe for concurrent use.
type Provider interface {
	// AddListenChannel registers a chat for message observation.
	AddListenChannel(ctx context.Context, channel string) error

	// RemoveListenChannel unregisters a chat. Callers treat failures as
	// best-effort cleanup and ignore the returned error.
	RemoveListenChannel(ctx context.Context, channel string) error

	// PollNewMessages returns messages observed since the previous poll.
	// May return an empty slice. The provider may replay messages that
	// existed before registration; callers are expected to filter those.
	PollNewMessages(ctx context.Context, channel string) ([]RawMessage, error)

	// SendMessage posts text into a chat. A nil return is the only success
	// signal; the provider's own status payloads are not reliable.
	SendMessage(ctx context.Context, channel string, text string) error
}
