package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// NoPriorContext is returned by Snapshot when the history is empty.
const NoPriorContext = "No previous context."

const DefaultCapacity = 5

type Entry struct {
	Speaker  string
	Text     string
	Language string
	At       time.Time
}

// Store is a bounded, shared history of recent utterances.
// Writers are serialized; readers get a consistent copy.
type Store struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	now      func() time.Time
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

func (s *Store) Add(speaker, text, lang string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{
		Speaker:  speaker,
		Text:     text,
		Language: lang,
		At:       s.now(),
	})
	if over := len(s.entries) - s.capacity; over > 0 {
		s.entries = append(s.entries[:0], s.entries[over:]...)
	}
}

// Snapshot formats the last k entries (all when k <= 0) one per line.
func (s *Store) Snapshot(k int) string {
	entries := s.Entries()
	if len(entries) == 0 {
		return NoPriorContext
	}
	if k > 0 && k < len(entries) {
		entries = entries[len(entries)-k:]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s (%s): %s", e.Speaker, e.Language, e.Text))
	}
	return strings.Join(lines, "\n")
}

// Entries returns a copy of the history, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Capacity() int { return s.capacity }

// Clear empties the history. Call once per room session, never mid-session.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = s.entries[:0]
	s.mu.Unlock()
}
