package chatclient

import "errors"

// Sentinel errors surfaced to callers of the chat client. Callers branch on
// these with errors.Is.
var (
	// ErrChannelUnavailable is returned by Send when the live channel is not
	// open. The caller keeps the composed draft; nothing was transmitted.
	ErrChannelUnavailable = errors.New("chatclient: live channel is not open")

	// ErrEmptyMessage is returned by Send when the text, attachments, and
	// structured cards are all empty. Rejected locally before any
	// transmission attempt.
	ErrEmptyMessage = errors.New("chatclient: message has no content")

	// ErrHandshakeFailed indicates the channel could not authenticate with
	// the gateway after exhausting its retry budget.
	ErrHandshakeFailed = errors.New("chatclient: channel handshake failed")

	// ErrHistoryUnavailable indicates the one-shot history fetch failed. The
	// session proceeds with an empty history; live messages still populate it.
	ErrHistoryUnavailable = errors.New("chatclient: history fetch failed")

	// ErrSessionClosed is returned for operations on a torn-down session.
	ErrSessionClosed = errors.New("chatclient: session is closed")
)
