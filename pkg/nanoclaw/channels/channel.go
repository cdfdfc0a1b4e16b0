// Package channels defines the chat transport interface the NanoClaw host
// consumes. The control plane only needs to receive group messages, send
// text, and keep a typing indicator alive; everything else the platform
// offers stays behind the implementation.
package channels

import (
	"context"
	"fmt"
	"time"
)

// MaxMessageLength is the hard chunking boundary for outbound text. Longer
// responses are split at exactly this many bytes, mid-word splits included.
const MaxMessageLength = 4096

// Channel is the transport consumed by the router and the IPC control plane.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect establishes the connection and starts receiving updates.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers text to a chat, chunked at MaxMessageLength.
	Send(ctx context.Context, chatID int64, text string) error

	// SendTyping signals a "typing..." indicator to a chat. Best-effort;
	// implementations swallow transport errors.
	SendTyping(ctx context.Context, chatID int64)

	// Receive returns the stream of incoming messages.
	Receive() <-chan *IncomingMessage

	// DownloadVoice fetches the raw bytes of a voice clip by file id.
	DownloadVoice(ctx context.Context, fileID string) ([]byte, error)

	// IsConnected reports connection state.
	IsConnected() bool
}

// IncomingMessage is one message received from the transport.
type IncomingMessage struct {
	// ID is the platform message id, unique within a chat.
	ID int64

	// ChatID is the group or DM identifier.
	ChatID int64

	// ChatTitle is the chat display name (if available).
	ChatTitle string

	// From is the sender's platform id.
	From int64

	// FromName is the sender display name.
	FromName string

	// FromSelf is true when the assistant itself authored the message.
	FromSelf bool

	// Content is the text content (or caption, for media).
	Content string

	// VoiceFileID references a voice clip for transcription, when set.
	VoiceFileID string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// SplitMessage chunks text at MaxMessageLength boundaries. Chunks are
// verbatim substrings; their concatenation reconstructs the input exactly.
func SplitMessage(text string) []string {
	if len(text) <= MaxMessageLength {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		n := MaxMessageLength
		if len(text) < n {
			n = len(text)
		}
		chunks = append(chunks, text[:n])
		text = text[n:]
	}
	return chunks
}

// ErrChannelDisconnected is returned by Send when the transport is down.
var ErrChannelDisconnected = fmt.Errorf("channel is not connected")
