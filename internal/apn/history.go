package apn

// DefaultHistorySize is how many sent notifications are remembered for
// error correlation.
const DefaultHistorySize = 200

// HistoryEntry pairs a notification identifier with the token it was sent to.
type HistoryEntry struct {
	Identifier uint32
	Token      string
}

// TokenHistory remembers the most recently sent notification identifiers so
// that an asynchronous error report can be traced back to its device token.
//
// TokenHistory is not safe for concurrent use; ProviderConnection guards it.
type TokenHistory struct {
	capacity       int
	lastIdentifier uint32
	entries        []HistoryEntry
}

// NewTokenHistory returns a history holding at most capacity entries.
// A non-positive capacity uses DefaultHistorySize.
func NewTokenHistory(capacity int) *TokenHistory {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &TokenHistory{capacity: capacity}
}

// Add records token under the next identifier and returns it. The oldest
// entry is evicted once the history is over capacity.
func (h *TokenHistory) Add(token string) uint32 {
	h.lastIdentifier++
	h.entries = append(h.entries, HistoryEntry{Identifier: h.lastIdentifier, Token: token})
	if len(h.entries) > h.capacity {
		h.entries = append(h.entries[:0:0], h.entries[len(h.entries)-h.capacity:]...)
	}
	return h.lastIdentifier
}

// ExtractIdentifier removes the entry for identifier and returns its token.
// It returns false and leaves the history untouched if there is no such entry.
func (h *TokenHistory) ExtractIdentifier(identifier uint32) (string, bool) {
	for i, entry := range h.entries {
		if entry.Identifier == identifier {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return entry.Token, true
		}
	}
	return "", false
}

// Entries returns a copy of the live entries, oldest first.
func (h *TokenHistory) Entries() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of live entries.
func (h *TokenHistory) Len() int {
	return len(h.entries)
}
