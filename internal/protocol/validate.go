package protocol

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxTextBytes = 4096 // 4KB max text size on the wire
	MaxTextChars = 2000 // max character count
)

// ValidateSend checks that a send event carries deliverable content. A send
// is valid when it has text, attachments, or structured cards; text, when
// present, must fit the size limits and be well-formed UTF-8.
func ValidateSend(ev *SendEvent) error {
	if ev.Text == "" && len(ev.Attachments) == 0 && len(ev.StructuredCards) == 0 {
		return fmt.Errorf("protocol: message has no content")
	}
	if len(ev.Text) > MaxTextBytes {
		return fmt.Errorf("protocol: text exceeds %d byte limit", MaxTextBytes)
	}
	if utf8.RuneCountInString(ev.Text) > MaxTextChars {
		return fmt.Errorf("protocol: text exceeds %d character limit", MaxTextChars)
	}
	if ev.Text != "" && !utf8.ValidString(ev.Text) {
		return fmt.Errorf("protocol: text contains invalid UTF-8")
	}
	return nil
}
