package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"bookreview/pkg/domain"
)

const migrateLockID int64 = 51730251

type dialect string

const (
	dialectPostgres dialect = "postgres"
	dialectSQLite   dialect = "sqlite"
)

var sqlitePragmas = []string{
	"_pragma=foreign_keys(1)",
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
}

type GormStoreOptions struct {
	AutoMigrate bool
}

type GormStoreOption func(*GormStoreOptions)

// WithAutoMigrate toggles schema creation on open. Disable it when an
// external migration tool owns the schema.
func WithAutoMigrate(enabled bool) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.AutoMigrate = enabled
	}
}

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db      *gorm.DB
	dialect dialect
}

// NewGormStore opens the DB and, unless disabled, runs auto-migrations.
// postgres:// and postgresql:// URLs select Postgres; sqlite:, sqlite:// and
// file: URLs select SQLite.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{AutoMigrate: true}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	dialector, kind, err := openDialector(dsn)
	if err != nil {
		return nil, err
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if kind == dialectSQLite {
		// One writer at a time; SQLite serialises writes anyway and this
		// keeps concurrent requests from tripping over SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	s := &GormStore{db: db, dialect: kind}
	if opts.AutoMigrate {
		if err := s.migrate(); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func openDialector(dsn string) (gorm.Dialector, dialect, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, "", errors.New("database url required")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), dialectPostgres, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(withSQLitePragmas(strings.TrimPrefix(dsn, "sqlite://"))), dialectSQLite, nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqlite.Open(withSQLitePragmas(strings.TrimPrefix(dsn, "sqlite:"))), dialectSQLite, nil
	case strings.HasPrefix(dsn, "file:"):
		return sqlite.Open(withSQLitePragmas(dsn)), dialectSQLite, nil
	default:
		return nil, "", fmt.Errorf("unsupported database url scheme: %q", RedactDSN(dsn))
	}
}

func withSQLitePragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(sqlitePragmas, "&")
}

func (s *GormStore) migrate() error {
	run := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &ReviewModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if s.dialect != dialectPostgres {
		return run(s.db)
	}
	return withMigrationLock(s.db, run)
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// ListBooks returns a page of books in insertion order with their reviews.
func (s *GormStore) ListBooks(ctx context.Context, offset, limit int) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).
		Preload("Reviews", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// GetBook retrieves a book with its reviews.
func (s *GormStore) GetBook(ctx context.Context, id int64) (domain.Book, bool, error) {
	var model BookModel
	err := s.db.WithContext(ctx).
		Preload("Reviews", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// CreateBook inserts a book and returns it with the assigned id.
func (s *GormStore) CreateBook(ctx context.Context, title, author string) (domain.Book, error) {
	model := BookModel{Title: title, Author: author}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Book{}, err
	}
	return bookFromModel(model), nil
}

// CreateReview inserts a review under bookID. A missing book is rejected by
// the foreign key.
func (s *GormStore) CreateReview(ctx context.Context, content string, rating int, bookID int64) (domain.Review, error) {
	model := ReviewModel{Content: content, Rating: rating, BookID: bookID}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Review{}, err
	}
	return reviewFromModel(model), nil
}

// ListReviewsByBook returns reviews for a book; unknown books yield an empty slice.
func (s *GormStore) ListReviewsByBook(ctx context.Context, bookID int64) ([]domain.Review, error) {
	var models []ReviewModel
	if err := s.db.WithContext(ctx).
		Where("book_id = ?", bookID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Review, 0, len(models))
	for _, m := range models {
		res = append(res, reviewFromModel(m))
	}
	return res, nil
}

// Ping runs a trivial query against the database.
func (s *GormStore) Ping(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("SELECT 1").Error
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func bookFromModel(m BookModel) domain.Book {
	reviews := make([]domain.Review, 0, len(m.Reviews))
	for _, r := range m.Reviews {
		reviews = append(reviews, reviewFromModel(r))
	}
	return domain.Book{
		ID:      m.ID,
		Title:   m.Title,
		Author:  m.Author,
		Reviews: reviews,
	}
}

func reviewFromModel(m ReviewModel) domain.Review {
	return domain.Review{
		ID:      m.ID,
		Content: m.Content,
		Rating:  m.Rating,
		BookID:  m.BookID,
	}
}

// RedactDSN hides credentials so the url can be logged.
func RedactDSN(dsn string) string {
	const marker = "://"
	start := strings.Index(dsn, marker)
	if start < 0 {
		return dsn
	}
	start += len(marker)
	end := strings.Index(dsn[start:], "@")
	if end < 0 {
		return dsn
	}
	return dsn[:start] + "***" + dsn[start+end:]
}
