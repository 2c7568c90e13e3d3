package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/sync/errgroup"

	"bookreview/api"
	"bookreview/internal/ratelimit"
	"bookreview/pkg/cache"
	"bookreview/pkg/domain"
	"bookreview/pkg/store"
	"bookreview/services/bookreview/internal/app"
)

type testEnv struct {
	srv   *httptest.Server
	redis *miniredis.Miniredis
	store store.Store
}

type envOptions struct {
	store      store.Store
	noCache    bool
	writeLimit int
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	env := &testEnv{store: opts.store}
	if env.store == nil {
		env.store = store.NewMemoryStore()
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	var c *cache.Cache
	var limiter *ratelimit.FixedWindowLimiter
	if !opts.noCache {
		env.redis = miniredis.RunT(t)
		backend, err := cache.NewRedisBackend(cache.RedisConfig{Addr: env.redis.Addr()})
		if err != nil {
			t.Fatalf("new redis backend: %v", err)
		}
		c = cache.New(backend, cache.Options{Logger: quiet, OpTimeout: 300 * time.Millisecond})
		t.Cleanup(func() { _ = c.Close() })
		if opts.writeLimit > 0 {
			limiter, err = ratelimit.NewFixedWindowLimiter(backend.Client(), "", opts.writeLimit, time.Minute)
			if err != nil {
				t.Fatalf("new limiter: %v", err)
			}
		}
	}

	a, err := app.New(app.Config{Store: env.store, Cache: c})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{App: a, WriteLimiter: limiter})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.srv = httptest.NewServer(s.Router())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return out
}

func (e *testEnv) createBook(t *testing.T, title, author string) domain.Book {
	t.Helper()
	resp, raw := e.do(t, http.MethodPost, "/books/", fmt.Sprintf(`{"title":%q,"author":%q}`, title, author))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create book status = %d body=%s", resp.StatusCode, raw)
	}
	return decode[domain.Book](t, raw)
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) ListBooks(context.Context, int, int) ([]domain.Book, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) CreateBook(context.Context, string, string) (domain.Book, error) {
	return domain.Book{}, errors.New("connection refused")
}

func TestRootAndDiagnostics(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp, raw := env.do(t, http.MethodGet, "/", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("root status = %d", resp.StatusCode)
	}
	root := decode[map[string]any](t, raw)
	if root["message"] != "Welcome to Book Review API!" || root["version"] != "1.0.0" || root["status"] != "running" {
		t.Fatalf("unexpected root body: %s", raw)
	}

	for path, msg := range map[string]string{
		"/books/test":   "Books router is working!",
		"/reviews/test": "Reviews router is working!",
	} {
		resp, raw := env.do(t, http.MethodGet, path, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		body := decode[map[string]string](t, raw)
		if body["message"] != msg || body["status"] != "success" {
			t.Fatalf("%s body = %s", path, raw)
		}
	}
}

func TestCreateBookRoundTrip(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	book := env.createBook(t, "T", "A")
	if book.ID <= 0 || book.Title != "T" || book.Author != "A" {
		t.Fatalf("unexpected book: %+v", book)
	}
	if book.Reviews == nil {
		t.Fatalf("reviews should be an empty list, not null")
	}

	resp, raw := env.do(t, http.MethodGet, "/books/", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	books := decode[[]domain.Book](t, raw)
	if len(books) != 1 || books[0].ID != book.ID {
		t.Fatalf("listing must include created id %d: %s", book.ID, raw)
	}
}

func TestListBooksIsIdempotent(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	b := env.createBook(t, "T", "A")
	env.do(t, http.MethodPost, fmt.Sprintf("/reviews/?book_id=%d", b.ID), `{"content":"c","rating":4}`)

	_, fromStore := env.do(t, http.MethodGet, "/books/", "")
	if !env.redis.Exists(app.BooksKey(0, 10)) {
		t.Fatalf("first read should populate the cache")
	}
	_, fromCache := env.do(t, http.MethodGet, "/books/", "")
	if !bytes.Equal(fromStore, fromCache) {
		t.Fatalf("cached body differs:\nstore: %s\ncache: %s", fromStore, fromCache)
	}
	_, noSlash := env.do(t, http.MethodGet, "/books?skip=0&limit=10", "")
	if !bytes.Equal(fromStore, noSlash) {
		t.Fatalf("/books and /books/ differ:\n%s\n%s", fromStore, noSlash)
	}
}

func TestCreateBookInvalidatesDefaultListing(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.createBook(t, "first", "A")
	env.do(t, http.MethodGet, "/books/", "")

	second := env.createBook(t, "second", "B")
	_, raw := env.do(t, http.MethodGet, "/books/", "")
	books := decode[[]domain.Book](t, raw)
	if len(books) != 2 || books[1].ID != second.ID {
		t.Fatalf("default listing must reflect the new book: %s", raw)
	}
}

func TestCreateBookRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"not json", "title=T", "body"},
		{"empty body", "", "body"},
		{"missing author", `{"title":"T"}`, "author"},
		{"empty title", `{"title":"","author":"A"}`, "title"},
		{"wrong type", `{"title":1,"author":"A"}`, "title"},
		{"array body", `[]`, "body"},
		{"trailing garbage", `{"title":"T","author":"A"} x`, "body"},
		{"second value", `{"title":"T","author":"A"}{}`, "body"},
		{"blank title", `{"title":"   ","author":"A"}`, "title"},
		{"blank author", `{"title":"T","author":"\t"}`, "author"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := env.do(t, http.MethodPost, "/books/", tc.body)
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422 (body=%s)", resp.StatusCode, raw)
			}
			got := decode[errorResponse](t, raw)
			if got.Code != "BOOK_INVALID_REQUEST" {
				t.Fatalf("code = %q", got.Code)
			}
			if got.RequestID == "" {
				t.Fatalf("requestId missing")
			}
			if len(got.Details) == 0 || got.Details[0].Field != tc.field {
				t.Fatalf("details = %+v, want field %q", got.Details, tc.field)
			}
		})
	}

	books, err := env.store.ListBooks(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("list store: %v", err)
	}
	if len(books) != 0 {
		t.Fatalf("malformed requests created %d rows", len(books))
	}
}

func TestListBooksQueryValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for _, q := range []string{"skip=-1", "limit=abc", "limit=101", "skip=1.5"} {
		resp, raw := env.do(t, http.MethodGet, "/books/?"+q, "")
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("%s: status = %d, want 422", q, resp.StatusCode)
		}
		if got := decode[errorResponse](t, raw); got.Code != "BOOK_INVALID_REQUEST" || len(got.Details) != 1 {
			t.Fatalf("%s: unexpected error body %s", q, raw)
		}
	}
}

func TestReviews(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	book := env.createBook(t, "T", "A")

	resp, raw := env.do(t, http.MethodGet, fmt.Sprintf("/reviews/%d", book.ID), "")
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(raw)) != "[]" {
		t.Fatalf("book without reviews: status=%d body=%s", resp.StatusCode, raw)
	}
	resp, raw = env.do(t, http.MethodGet, "/reviews/999999", "")
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(raw)) != "[]" {
		t.Fatalf("unknown book: status=%d body=%s", resp.StatusCode, raw)
	}

	resp, raw = env.do(t, http.MethodPost, fmt.Sprintf("/reviews/?book_id=%d", book.ID), `{"content":"c","rating":5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create review status = %d body=%s", resp.StatusCode, raw)
	}
	review := decode[domain.Review](t, raw)
	if review.BookID != book.ID || review.Content != "c" || review.Rating != 5 || review.ID <= 0 {
		t.Fatalf("unexpected review: %+v", review)
	}

	_, raw = env.do(t, http.MethodGet, fmt.Sprintf("/reviews/%d", book.ID), "")
	reviews := decode[[]domain.Review](t, raw)
	if len(reviews) != 1 || reviews[0].ID != review.ID {
		t.Fatalf("reviews after create = %s", raw)
	}

	_, raw = env.do(t, http.MethodGet, "/books/", "")
	books := decode[[]domain.Book](t, raw)
	if len(books) != 1 || len(books[0].Reviews) != 1 {
		t.Fatalf("book listing must nest the new review: %s", raw)
	}
}

func TestReviewErrors(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	book := env.createBook(t, "T", "A")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown book", http.MethodPost, "/reviews/?book_id=424242", `{"content":"c","rating":1}`, http.StatusNotFound, "BOOK_NOT_FOUND"},
		{"missing book id", http.MethodPost, "/reviews/", `{"content":"c","rating":1}`, http.StatusUnprocessableEntity, "REVIEW_INVALID_REQUEST"},
		{"non-integer book id", http.MethodPost, "/reviews/?book_id=abc", `{"content":"c","rating":1}`, http.StatusUnprocessableEntity, "REVIEW_INVALID_REQUEST"},
		{"missing rating", http.MethodPost, fmt.Sprintf("/reviews/?book_id=%d", book.ID), `{"content":"c"}`, http.StatusUnprocessableEntity, "REVIEW_INVALID_REQUEST"},
		{"string rating", http.MethodPost, fmt.Sprintf("/reviews/?book_id=%d", book.ID), `{"content":"c","rating":"five"}`, http.StatusUnprocessableEntity, "REVIEW_INVALID_REQUEST"},
		{"non-integer path id", http.MethodGet, "/reviews/abc", "", http.StatusUnprocessableEntity, "REVIEW_INVALID_REQUEST"},
		{"trailing data", http.MethodPost, fmt.Sprintf("/reviews/?book_id=%d", book.ID), `{"content":"c","rating":1}{"rating":5}`, http.StatusUnprocessableEntity, "REVIEW_INVALID_REQUEST"},
		{"blank content", http.MethodPost, fmt.Sprintf("/reviews/?book_id=%d", book.ID), `{"content":" ","rating":1}`, http.StatusUnprocessableEntity, "REVIEW_INVALID_REQUEST"},
		{"list without id", http.MethodGet, "/reviews/", "", http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED"},
		{"nested path", http.MethodGet, "/reviews/1/extra", "", http.StatusNotFound, "SYSTEM_NOT_FOUND"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := env.do(t, tc.method, tc.path, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (body=%s)", resp.StatusCode, tc.status, raw)
			}
			if got := decode[errorResponse](t, raw); got.Code != tc.code {
				t.Fatalf("code = %q, want %q", got.Code, tc.code)
			}
		})
	}

	reviews, _ := env.store.ListReviewsByBook(context.Background(), book.ID)
	if len(reviews) != 0 {
		t.Fatalf("failed requests created %d reviews", len(reviews))
	}
}

func TestStoreFailureMapsToServerError(t *testing.T) {
	env := newTestEnv(t, envOptions{store: failingStore{store.NewMemoryStore()}})

	for _, tc := range []struct{ method, body string }{
		{http.MethodGet, ""},
		{http.MethodPost, `{"title":"T","author":"A"}`},
	} {
		resp, raw := env.do(t, tc.method, "/books/", tc.body)
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("%s status = %d, want 500", tc.method, resp.StatusCode)
		}
		got := decode[errorResponse](t, raw)
		if got.Code != "SYSTEM_DATABASE_ERROR" || got.Error != "database connection error" {
			t.Fatalf("%s unexpected error body: %s", tc.method, raw)
		}
		if got.RequestID == "" || got.RequestID != resp.Header.Get("X-Request-Id") {
			t.Fatalf("requestId = %q, header = %q", got.RequestID, resp.Header.Get("X-Request-Id"))
		}
	}
	if keys := env.redis.Keys(); len(keys) != 0 {
		t.Fatalf("store failures must not touch the cache: %v", keys)
	}
}

func TestRoutingErrors(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tests := []struct {
		method, path string
		status       int
		code         string
	}{
		{http.MethodDelete, "/books/", http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED"},
		{http.MethodPost, "/books/test", http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED"},
		{http.MethodGet, "/books/1", http.StatusNotFound, "SYSTEM_NOT_FOUND"},
		{http.MethodGet, "/nope", http.StatusNotFound, "SYSTEM_NOT_FOUND"},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED"},
	}
	for _, tc := range tests {
		resp, raw := env.do(t, tc.method, tc.path, "")
		if resp.StatusCode != tc.status {
			t.Fatalf("%s %s: status = %d, want %d", tc.method, tc.path, resp.StatusCode, tc.status)
		}
		if got := decode[errorResponse](t, raw); got.Code != tc.code {
			t.Fatalf("%s %s: code = %q, want %q", tc.method, tc.path, got.Code, tc.code)
		}
	}
}

func TestWriteRateLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{writeLimit: 1})

	env.createBook(t, "T", "A")
	resp, raw := env.do(t, http.MethodPost, "/books/", `{"title":"U","author":"B"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second write status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
	if got := decode[errorResponse](t, raw); got.Code != "SYSTEM_RATE_LIMITED" {
		t.Fatalf("code = %q", got.Code)
	}

	// Reads are never throttled.
	for i := 0; i < 3; i++ {
		if resp, _ := env.do(t, http.MethodGet, "/books/", ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("read %d status = %d", i, resp.StatusCode)
		}
	}
}

func TestConcurrentCreateBooks(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	const n = 20
	ids := make([]int64, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			body := fmt.Sprintf(`{"title":"t%d","author":"a"}`, i)
			resp, err := http.Post(env.srv.URL+"/books/", "application/json", strings.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status %d", resp.StatusCode)
			}
			var b domain.Book
			if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
				return err
			}
			ids[i] = b.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent create: %v", err)
	}

	_, raw := env.do(t, http.MethodGet, "/books/?limit=100", "")
	books := decode[[]domain.Book](t, raw)
	listed := make(map[int64]bool, len(books))
	for _, b := range books {
		listed[b.ID] = true
	}
	seen := make(map[int64]bool, n)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
		if !listed[id] {
			t.Fatalf("id %d missing from full listing", id)
		}
	}
}

func TestCacheTransparencyOverHTTP(t *testing.T) {
	run := func(t *testing.T, env *testEnv) []string {
		var bodies []string
		b := env.createBook(t, "T", "A")
		_, raw := env.do(t, http.MethodPost, fmt.Sprintf("/reviews/?book_id=%d", b.ID), `{"content":"c","rating":3}`)
		bodies = append(bodies, string(raw))
		for _, path := range []string{"/books/", "/books/", fmt.Sprintf("/reviews/%d", b.ID), "/reviews/999999"} {
			_, raw := env.do(t, http.MethodGet, path, "")
			bodies = append(bodies, string(raw))
		}
		return bodies
	}

	want := run(t, newTestEnv(t, envOptions{noCache: true}))

	cached := newTestEnv(t, envOptions{})
	unreachable := newTestEnv(t, envOptions{})
	unreachable.redis.Close()

	for name, env := range map[string]*testEnv{"cached": cached, "redis down": unreachable} {
		t.Run(name, func(t *testing.T) {
			got := run(t, env)
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("response %d differs:\n got %s\nwant %s", i, got[i], want[i])
				}
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp, raw := env.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	report := decode[app.HealthReport](t, raw)
	if report.Status != "healthy" || report.Database != "connected" || report.Redis != "connected" {
		t.Fatalf("unexpected report: %s", raw)
	}

	env.redis.Close()
	resp, raw = env.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	report = decode[app.HealthReport](t, raw)
	if report.Status != "healthy" || report.Redis != "error" || len(report.Errors) != 1 {
		t.Fatalf("unexpected report with redis down: %s", raw)
	}
}

func TestDocsEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{noCache: true})

	resp, raw := env.do(t, http.MethodGet, "/openapi.yaml", "")
	if resp.StatusCode != http.StatusOK || !bytes.Equal(raw, api.OpenAPI) {
		t.Fatalf("openapi.yaml status=%d len=%d", resp.StatusCode, len(raw))
	}
	for _, path := range []string{"/docs", "/redoc"} {
		resp, raw := env.do(t, http.MethodGet, path, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
			t.Fatalf("%s content-type = %q", path, resp.Header.Get("Content-Type"))
		}
		if !strings.Contains(string(raw), "/openapi.yaml") {
			t.Fatalf("%s page does not load the document", path)
		}
		if csp := resp.Header.Get("Content-Security-Policy"); csp != docsCSP {
			t.Fatalf("%s csp = %q", path, csp)
		}
	}
}

func TestNewRequiresApp(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without app")
	}
}
