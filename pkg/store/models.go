package store

// GORM models used for persistence. Table names match the schema owned by
// the external migration tool.
type BookModel struct {
	ID      int64         `gorm:"primaryKey;autoIncrement"`
	Title   string        `gorm:"not null"`
	Author  string        `gorm:"not null"`
	Reviews []ReviewModel `gorm:"foreignKey:BookID"`
}

func (BookModel) TableName() string { return "books" }

type ReviewModel struct {
	ID      int64      `gorm:"primaryKey;autoIncrement"`
	Content string     `gorm:"type:text;not null"`
	Rating  int        `gorm:"not null"`
	BookID  int64      `gorm:"not null;index:ix_reviews_book_id"`
	Book    *BookModel `gorm:"foreignKey:BookID;constraint:OnDelete:CASCADE"`
}

func (ReviewModel) TableName() string { return "reviews" }
