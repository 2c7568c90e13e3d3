package app

import "fmt"

// Pagination defaults for the book listing. Book creation only invalidates
// the default window; other windows age out with the cache TTL.
const (
	DefaultSkip  = 0
	DefaultLimit = 10
	MaxLimit     = 100
)

// BooksKey is the cache key of one book-list page.
func BooksKey(skip, limit int) string {
	return fmt.Sprintf("books_%d_%d", skip, limit)
}

// ReviewsKey is the cache key of a book's review list.
func ReviewsKey(bookID int64) string {
	return fmt.Sprintf("reviews_%d", bookID)
}
