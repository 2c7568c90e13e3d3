package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"bookreview/internal/ratelimit"
	"bookreview/internal/util"
	"bookreview/pkg/domain"
	"bookreview/services/bookreview/internal/app"
)

const (
	serviceName  = "bookreview"
	apiVersion   = "1.0.0"
	maxBodyBytes = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// WriteLimiter throttles POST requests per client IP; nil disables it.
	WriteLimiter   *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for books and reviews.
type Server struct {
	app            *app.App
	writeLimiter   *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:            cfg.App,
		writeLimiter:   cfg.WriteLimiter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(serviceName, util.WithRecover(util.WithSecurityHeaders(util.WithCORS(s.mux)))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// books
	s.mux.HandleFunc("/books", s.handleBooks)
	s.mux.HandleFunc("/books/", s.handleBooks)

	// reviews
	s.mux.HandleFunc("/reviews", s.handleReviews)
	s.mux.HandleFunc("/reviews/", s.handleReviews)

	// docs
	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
	s.mux.HandleFunc("/redoc", s.handleRedoc)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Welcome to Book Review API!",
		"version": apiVersion,
		"endpoints": map[string]string{
			"books":   "/books/",
			"reviews": "/reviews/{book_id}",
			"docs":    "/docs",
			"redoc":   "/redoc",
			"health":  "/health",
		},
		"status": "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Health(r.Context()))
}

// /books, /books/ and /books/test
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/books"), "/")
	switch rest {
	case "":
	case "test":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Books router is working!", "status": "success"})
		return
	default:
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleListBooks(w, r)
	case http.MethodPost:
		if !s.allowWrite(w, r) {
			return
		}
		s.handleCreateBook(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var details []app.FieldError
	skip, ok := intQuery(q.Get("skip"), app.DefaultSkip)
	if !ok {
		details = append(details, app.FieldError{Field: "skip", Message: "must be an integer"})
	}
	limit, ok := intQuery(q.Get("limit"), app.DefaultLimit)
	if !ok {
		details = append(details, app.FieldError{Field: "limit", Message: "must be an integer"})
	}
	if len(details) > 0 {
		writeValidationError(w, "BOOK_INVALID_REQUEST", details)
		return
	}
	books, err := s.app.ListBooks(r.Context(), skip, limit)
	if err != nil {
		s.writeAppError(w, r, "BOOK_INVALID_REQUEST", err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var req domain.BookCreate
	if details := decodeBody(r, &req); details != nil {
		writeValidationError(w, "BOOK_INVALID_REQUEST", details)
		return
	}
	book, err := s.app.CreateBook(r.Context(), req)
	if err != nil {
		s.writeAppError(w, r, "BOOK_INVALID_REQUEST", err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// /reviews/?book_id={id}, /reviews/{book_id} and /reviews/test
func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/reviews"), "/")
	switch {
	case rest == "":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if !s.allowWrite(w, r) {
			return
		}
		s.handleCreateReview(w, r)
	case rest == "test":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Reviews router is working!", "status": "success"})
	case strings.Contains(rest, "/"):
		notFound(w, "not found")
	default:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleListReviews(w, r, rest)
	}
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request, rawID string) {
	bookID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeValidationError(w, "REVIEW_INVALID_REQUEST", []app.FieldError{{Field: "book_id", Message: "must be an integer"}})
		return
	}
	reviews, err := s.app.ListReviews(r.Context(), bookID)
	if err != nil {
		s.writeAppError(w, r, "REVIEW_INVALID_REQUEST", err)
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("book_id"))
	var details []app.FieldError
	bookID, err := strconv.ParseInt(raw, 10, 64)
	switch {
	case raw == "":
		details = append(details, app.FieldError{Field: "book_id", Message: "field required"})
	case err != nil:
		details = append(details, app.FieldError{Field: "book_id", Message: "must be an integer"})
	}
	var req domain.ReviewCreate
	if bodyDetails := decodeBody(r, &req); bodyDetails != nil {
		details = append(details, bodyDetails...)
	}
	if len(details) > 0 {
		writeValidationError(w, "REVIEW_INVALID_REQUEST", details)
		return
	}
	review, err := s.app.CreateReview(r.Context(), bookID, req)
	if err != nil {
		s.writeAppError(w, r, "REVIEW_INVALID_REQUEST", err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (s *Server) allowWrite(w http.ResponseWriter, r *http.Request) bool {
	if s.writeLimiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if s.writeLimiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

// decodeBody reads exactly one JSON value into dst. It returns nil on success
// and the field-level problems otherwise.
func decodeBody(r *http.Request, dst any) []app.FieldError {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	err := dec.Decode(dst)
	if err == nil {
		if dec.Decode(&struct{}{}) != io.EOF {
			return []app.FieldError{{Field: "body", Message: "invalid JSON body"}}
		}
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return []app.FieldError{{Field: typeErr.Field, Message: "must be " + jsonTypeName(typeErr.Type)}}
	}
	if errors.Is(err, io.EOF) {
		return []app.FieldError{{Field: "body", Message: "field required"}}
	}
	return []app.FieldError{{Field: "body", Message: "invalid JSON body"}}
}

func jsonTypeName(t reflect.Type) string {
	if t == nil {
		return "a valid value"
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "an integer"
	case reflect.String:
		return "a string"
	default:
		return "a valid " + t.Kind().String()
	}
}

func intQuery(raw string, fallback int) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// writeAppError maps service errors onto the wire. invalidCode labels
// validation failures of the calling resource.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, invalidCode string, err error) {
	var verr *app.ValidationError
	var serr *app.StoreError
	switch {
	case errors.As(err, &verr):
		writeValidationError(w, invalidCode, verr.Fields)
	case errors.Is(err, app.ErrBookNotFound):
		notFound(w, "book not found")
	case errors.As(err, &serr):
		util.LoggerFromContext(r.Context()).Error("store operation failed", "op", serr.Op, "err", serr.Err)
		writeError(w, http.StatusInternalServerError, "database connection error")
	default:
		util.LoggerFromContext(r.Context()).Error("unexpected error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string           `json:"error"`
	Code      string           `json:"code"`
	RequestID string           `json:"requestId,omitempty"`
	Details   []app.FieldError `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func writeValidationError(w http.ResponseWriter, code string, details []app.FieldError) {
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
		Error:     "validation failed",
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
		Details:   details,
	})
}

func errorCode(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "book not found":
		return "BOOK_NOT_FOUND"
	case "database connection error":
		return "SYSTEM_DATABASE_ERROR"
	case "too many requests":
		return "SYSTEM_RATE_LIMITED"
	case "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "SYSTEM_RATE_LIMITED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
