package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/book-expert/audio-service/internal/core"
)

// PageStore reads pages from the document store's tables.
type PageStore struct {
	db DBTX
}

// NewPageStore creates a page reader over db.
func NewPageStore(db DBTX) *PageStore {
	return &PageStore{db: db}
}

// Page returns the page joined with its document.
func (s *PageStore) Page(ctx context.Context, pageID string) (*core.Page, error) {
	query :=
		`SELECT p.id, p.document_id, d.title, p.page_number, d.owner_id, p.text
		 FROM document_pages p
		 JOIN documents d ON d.id = p.document_id
		 WHERE p.id = $1`

	var page core.Page

	err := s.db.QueryRowContext(ctx, query, pageID).Scan(
		&page.ID, &page.DocumentID, &page.DocumentTitle, &page.Number, &page.OwnerID, &page.Text,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("page %s: %w", pageID, core.ErrNotFound)
		}

		return nil, fmt.Errorf("db error: %w", err)
	}

	return &page, nil
}
