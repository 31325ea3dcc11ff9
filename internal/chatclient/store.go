// Package chatclient implements the client-side chat session manager for the
// Broker Adda app: it reconciles a one-shot history fetch with a live
// bidirectional event channel, maintains a monotonically ordered message
// list, derives a stable peer-typing flag from noisy signals, and drives the
// optimistic send pipeline over a connection that may be mid-reconnect.
package chatclient

import (
	"sort"
	"sync"

	"github.com/brokeradda/chatkit/internal/protocol"
)

// MessageStore holds the ordered message list for one chat. It merges two
// sources — the historical fetch and the live channel — into a single
// sequence sorted by the gateway's CreatedAt timestamp, with duplicate IDs
// ignored. Arrival order across the two sources is explicitly unordered, so
// the store sorts and deduplicates rather than appending.
type MessageStore struct {
	mu   sync.RWMutex
	msgs []protocol.Message
	ids  map[string]struct{}
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{ids: make(map[string]struct{})}
}

// LoadHistory replaces the store contents with the fetched batch, sorted
// ascending by CreatedAt. It is called once per session open (or on an
// explicit refresh). Messages with duplicate IDs within the batch keep the
// first occurrence.
func (s *MessageStore) LoadHistory(batch []protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = s.msgs[:0]
	s.ids = make(map[string]struct{}, len(batch))
	for _, m := range batch {
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		s.ids[m.ID] = struct{}{}
		s.msgs = append(s.msgs, m)
	}
	sort.SliceStable(s.msgs, func(i, j int) bool {
		return s.msgs[i].CreatedAt.Before(s.msgs[j].CreatedAt)
	})
}

// IngestLive inserts a message arriving from the live channel at the
// position its CreatedAt dictates. Messages with equal timestamps keep
// arrival order. If a message with the same ID is already present the call
// is a no-op; this tolerates the channel re-delivering a message the history
// fetch already returned, and the gateway's broadcast echo of the client's
// own sends. Returns true if the message was inserted.
func (s *MessageStore) IngestLive(m protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[m.ID]; dup {
		return false
	}
	s.ids[m.ID] = struct{}{}

	// Position after every message with CreatedAt <= m.CreatedAt.
	i := sort.Search(len(s.msgs), func(i int) bool {
		return s.msgs[i].CreatedAt.After(m.CreatedAt)
	})
	s.msgs = append(s.msgs, protocol.Message{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
	return true
}

// Messages returns a snapshot copy of the current ordered sequence. The
// returned slice is safe to retain and iterate; it does not alias the
// store's internal state.
func (s *MessageStore) Messages() []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]protocol.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Len returns the current message count.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}
