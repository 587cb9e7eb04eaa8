// Package channels provides concrete ChatNotify adapters for the external
// chat-transport callback described in spec.md §6
// ("ChatNotify(channelId, text, platform)"). The orchestration core never
// talks to a specific chat platform itself (spec.md §1 Non-goals); these
// adapters exist only to demonstrate and exercise that contract end-to-end.
package channels

import "context"

// maxMessageLength is spec.md §6's ChatNotify truncation bound.
const maxMessageLength = 1800

// truncate enforces spec.md §6: "Message bodies may be at most 1800
// characters; longer messages are truncated with an ellipsis."
func truncate(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	return text[:maxMessageLength-1] + "…"
}

// Notifier is the ChatNotify callback shape from spec.md §6.
type Notifier interface {
	ChatNotify(ctx context.Context, channelID, text, platform string) error
}

// Channel defines the interface for a messaging platform integration that
// both sends ChatNotify output and (optionally) runs its own receive loop.
type Channel interface {
	Notifier

	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}
