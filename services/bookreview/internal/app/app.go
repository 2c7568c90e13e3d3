package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"bookreview/internal/util"
	"bookreview/pkg/cache"
	"bookreview/pkg/domain"
	"bookreview/pkg/store"
)

const (
	healthProbeTimeout = 2 * time.Second
	storeWriteTimeout  = 5 * time.Second
)

// Config holds the handles the service is built from. Both are created once
// at process start and reused for the process lifetime.
type Config struct {
	Store store.Store
	// Cache may be nil or disabled; the service then reads the store only.
	Cache *cache.Cache
}

// App orchestrates store reads and writes behind a read-through cache.
type App struct {
	store    store.Store
	cache    *cache.Cache
	validate *validator.Validate
}

// New constructs the application service.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	c := cfg.Cache
	if c == nil {
		c = cache.New(nil, cache.Options{})
	}
	return &App{
		store:    cfg.Store,
		cache:    c,
		validate: newValidator(),
	}, nil
}

// ListBooks returns one page of books, served from cache when a non-empty
// snapshot exists for exactly this page.
func (a *App) ListBooks(ctx context.Context, skip, limit int) ([]domain.Book, error) {
	if err := validatePage(skip, limit); err != nil {
		return nil, err
	}
	key := BooksKey(skip, limit)
	var cached []domain.Book
	if a.cache.Get(ctx, key, &cached) == cache.Hit {
		util.LoggerFromContext(ctx).Debug("books served from cache", "key", key, "count", len(cached))
		return cached, nil
	}
	books, err := a.store.ListBooks(ctx, skip, limit)
	if err != nil {
		return nil, &StoreError{Op: "list books", Err: err}
	}
	a.cache.Set(ctx, key, books)
	return books, nil
}

// CreateBook persists a book and retires the default book-list page.
func (a *App) CreateBook(ctx context.Context, in domain.BookCreate) (domain.Book, error) {
	if err := a.validateStruct(in); err != nil {
		return domain.Book{}, err
	}
	writeCtx, cancel := storeWriteContext(ctx)
	defer cancel()
	book, err := a.store.CreateBook(writeCtx, in.Title, in.Author)
	if err != nil {
		return domain.Book{}, &StoreError{Op: "create book", Err: err}
	}
	a.cache.Invalidate(ctx, BooksKey(DefaultSkip, DefaultLimit))
	util.LoggerFromContext(ctx).Info("book created", "book_id", book.ID)
	return book, nil
}

// ListReviews returns the reviews of a book. A book without reviews and an
// unknown book both yield an empty list.
func (a *App) ListReviews(ctx context.Context, bookID int64) ([]domain.Review, error) {
	key := ReviewsKey(bookID)
	var cached []domain.Review
	if a.cache.Get(ctx, key, &cached) == cache.Hit {
		util.LoggerFromContext(ctx).Debug("reviews served from cache", "key", key, "count", len(cached))
		return cached, nil
	}
	reviews, err := a.store.ListReviewsByBook(ctx, bookID)
	if err != nil {
		return nil, &StoreError{Op: "list reviews", Err: err}
	}
	a.cache.Set(ctx, key, reviews)
	return reviews, nil
}

// CreateReview persists a review for an existing book. The book's review list
// and the default book-list page (which nests reviews) are retired.
func (a *App) CreateReview(ctx context.Context, bookID int64, in domain.ReviewCreate) (domain.Review, error) {
	if err := a.validateStruct(in); err != nil {
		return domain.Review{}, err
	}
	if _, ok, err := a.store.GetBook(ctx, bookID); err != nil {
		return domain.Review{}, &StoreError{Op: "get book", Err: err}
	} else if !ok {
		return domain.Review{}, ErrBookNotFound
	}
	writeCtx, cancel := storeWriteContext(ctx)
	defer cancel()
	review, err := a.store.CreateReview(writeCtx, in.Content, *in.Rating, bookID)
	if err != nil {
		return domain.Review{}, &StoreError{Op: "create review", Err: err}
	}
	a.cache.Invalidate(ctx, ReviewsKey(bookID))
	a.cache.Invalidate(ctx, BooksKey(DefaultSkip, DefaultLimit))
	util.LoggerFromContext(ctx).Info("review created", "review_id", review.ID, "book_id", bookID)
	return review, nil
}

// storeWriteContext detaches an insert from the caller's cancellation: once
// started, a write completes or fails on its own, bounded by storeWriteTimeout.
func storeWriteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
}

// Probe states reported by Health.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	ProbeConnected  = "connected"
	ProbeError      = "error"
	ProbeDisabled   = "disabled"
)

// HealthReport is the body of the health endpoint.
type HealthReport struct {
	Status   string   `json:"status"`
	Database string   `json:"database"`
	Redis    string   `json:"redis"`
	Errors   []string `json:"errors"`
}

// Health probes the store and the cache concurrently. Only a store failure
// makes the service unhealthy.
func (a *App) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	var dbErr, cacheErr error
	var g errgroup.Group
	g.Go(func() error {
		dbErr = a.store.Ping(ctx)
		return dbErr
	})
	if a.cache.Enabled() {
		g.Go(func() error {
			cacheErr = a.cache.Ping(ctx)
			return cacheErr
		})
	}

	report := HealthReport{
		Status:   HealthHealthy,
		Database: ProbeConnected,
		Redis:    ProbeConnected,
		Errors:   []string{},
	}
	if !a.cache.Enabled() {
		report.Redis = ProbeDisabled
	}
	if err := g.Wait(); err == nil {
		return report
	}

	logger := util.LoggerFromContext(ctx)
	if dbErr != nil {
		report.Status = HealthUnhealthy
		report.Database = ProbeError
		report.Errors = append(report.Errors, fmt.Sprintf("Database: %v", dbErr))
		logger.Error("database probe failed", "err", dbErr)
	}
	if cacheErr != nil {
		report.Redis = ProbeError
		report.Errors = append(report.Errors, fmt.Sprintf("Redis: %v", cacheErr))
		logger.Warn("redis probe failed", "err", cacheErr)
	}
	return report
}
