package protocol

import (
	"strings"
	"testing"
)

func TestValidateSend(t *testing.T) {
	cases := []struct {
		name    string
		ev      SendEvent
		wantErr bool
	}{
		{"text only", SendEvent{Text: "hello"}, false},
		{"attachments only", SendEvent{Attachments: []string{"https://cdn.example.com/plan.pdf"}}, false},
		{"card only", SendEvent{StructuredCards: []StructuredCard{{Kind: "property", RefID: "p-1"}}}, false},
		{"no content", SendEvent{}, true},
		{"text at char limit", SendEvent{Text: strings.Repeat("a", MaxTextChars)}, false},
		{"text over char limit", SendEvent{Text: strings.Repeat("a", MaxTextChars+1)}, true},
		{"text over byte limit", SendEvent{Text: strings.Repeat("ab", MaxTextBytes)}, true},
		{"invalid utf8", SendEvent{Text: string([]byte{0xff, 0xfe})}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSend(&tc.ev)
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
