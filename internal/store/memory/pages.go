package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/audio-service/internal/core"
)

// PageStore serves pages from memory.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string]core.Page
}

// NewPageStore creates a store holding pages.
func NewPageStore(pages ...core.Page) *PageStore {
	store := &PageStore{mu: sync.RWMutex{}, pages: make(map[string]core.Page, len(pages))}

	for _, page := range pages {
		store.pages[page.ID] = page
	}

	return store
}

// Add stores or replaces a page.
func (s *PageStore) Add(page core.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages[page.ID] = page
}

// Page returns a copy of the page.
func (s *PageStore) Page(_ context.Context, pageID string) (*core.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, ok := s.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %s: %w", pageID, core.ErrNotFound)
	}

	return &page, nil
}

// AuditLog is an append-only in-memory audit sink.
type AuditLog struct {
	mu      sync.RWMutex
	entries []core.AuditEntry
}

// NewAuditLog creates an empty audit log.
func NewAuditLog() *AuditLog {
	return &AuditLog{mu: sync.RWMutex{}, entries: nil}
}

// Append adds an entry.
func (l *AuditLog) Append(_ context.Context, entry core.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)

	return nil
}

// ListBetween returns entries with from <= timestamp < to in append order.
func (l *AuditLog) ListBetween(_ context.Context, from, to time.Time) ([]core.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var selected []core.AuditEntry

	for _, entry := range l.entries {
		if !entry.Timestamp.Before(from) && entry.Timestamp.Before(to) {
			selected = append(selected, entry)
		}
	}

	return selected, nil
}

// Entries returns a copy of every entry.
func (l *AuditLog) Entries() []core.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return append([]core.AuditEntry(nil), l.entries...)
}
