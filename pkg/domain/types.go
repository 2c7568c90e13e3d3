package domain

// Review is a single rating left on a book. A review belongs to exactly one
// book for its whole lifetime.
type Review struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
	Rating  int    `json:"rating"`
	BookID  int64  `json:"book_id"`
}

// Book is the catalog entry. Reviews is always non-nil on the wire.
type Book struct {
	ID      int64    `json:"id"`
	Title   string   `json:"title"`
	Author  string   `json:"author"`
	Reviews []Review `json:"reviews"`
}

// BookCreate is the request body accepted by book creation.
type BookCreate struct {
	Title  string `json:"title" validate:"required,notblank"`
	Author string `json:"author" validate:"required,notblank"`
}

// ReviewCreate is the request body accepted by review creation. Rating is a
// pointer so that a missing field can be told apart from an explicit zero.
type ReviewCreate struct {
	Content string `json:"content" validate:"required,notblank"`
	Rating  *int   `json:"rating" validate:"required"`
}
