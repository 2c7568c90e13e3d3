package store

import (
	"context"
	"errors"

	"bookreview/pkg/domain"
)

// ErrBookMissing is returned by stores that check the review -> book
// reference themselves instead of relying on a database constraint.
var ErrBookMissing = errors.New("store: referenced book does not exist")

var errStoreClosed = errors.New("store: closed")

// Store defines persistence operations for books and their reviews.
// Every write is committed immediately as a single-row transaction.
type Store interface {
	// books
	ListBooks(ctx context.Context, offset, limit int) ([]domain.Book, error)
	GetBook(ctx context.Context, id int64) (domain.Book, bool, error)
	CreateBook(ctx context.Context, title, author string) (domain.Book, error)

	// reviews
	CreateReview(ctx context.Context, content string, rating int, bookID int64) (domain.Review, error)
	ListReviewsByBook(ctx context.Context, bookID int64) ([]domain.Review, error)

	Ping(ctx context.Context) error
	Close() error
}
