package store

import (
	"context"
	"sync"

	"bookreview/pkg/domain"
)

// MemoryStore keeps books and reviews in-process. It backs tests and local
// runs without a database; ids are assigned sequentially from 1.
type MemoryStore struct {
	mu           sync.RWMutex
	books        map[int64]domain.Book
	orders       []int64
	reviews      map[int64][]domain.Review // book ID -> reviews
	nextBookID   int64
	nextReviewID int64
	closed       bool
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:   make(map[int64]domain.Book),
		reviews: make(map[int64][]domain.Review),
	}
}

// ListBooks returns books in insertion order.
func (m *MemoryStore) ListBooks(_ context.Context, offset, limit int) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(m.orders) || limit <= 0 {
		return []domain.Book{}, nil
	}
	end := offset + limit
	if end > len(m.orders) {
		end = len(m.orders)
	}
	res := make([]domain.Book, 0, end-offset)
	for _, id := range m.orders[offset:end] {
		res = append(res, m.withReviewsLocked(m.books[id]))
	}
	return res, nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(_ context.Context, id int64) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, false, nil
	}
	return m.withReviewsLocked(b), true, nil
}

// CreateBook stores a new book and tracks insertion order.
func (m *MemoryStore) CreateBook(_ context.Context, title, author string) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBookID++
	b := domain.Book{ID: m.nextBookID, Title: title, Author: author, Reviews: []domain.Review{}}
	m.books[b.ID] = b
	m.orders = append(m.orders, b.ID)
	return b, nil
}

// CreateReview stores a review; the parent book must exist.
func (m *MemoryStore) CreateReview(_ context.Context, content string, rating int, bookID int64) (domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[bookID]; !ok {
		return domain.Review{}, ErrBookMissing
	}
	m.nextReviewID++
	r := domain.Review{ID: m.nextReviewID, Content: content, Rating: rating, BookID: bookID}
	m.reviews[bookID] = append(m.reviews[bookID], r)
	return r, nil
}

// ListReviewsByBook returns a copy of the reviews recorded for a book.
func (m *MemoryStore) ListReviewsByBook(_ context.Context, bookID int64) ([]domain.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Review{}, m.reviews[bookID]...), nil
}

// Ping always succeeds until the store is closed.
func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) withReviewsLocked(b domain.Book) domain.Book {
	b.Reviews = append([]domain.Review{}, m.reviews[b.ID]...)
	return b
}
