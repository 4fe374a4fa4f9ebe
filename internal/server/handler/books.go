package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// BookService exposes the live order books.
type BookService interface {
	Symbols() []string
	Synced() map[string]bool
	View(symbol string, n int) (domain.BookView, error)
	SetMergeDecimals(symbol string, d int32) error
}

// BookHandler serves order-book endpoints.
type BookHandler struct {
	books  BookService
	logger *slog.Logger
}

// NewBookHandler creates a BookHandler.
func NewBookHandler(books BookService, logger *slog.Logger) *BookHandler {
	return &BookHandler{books: books, logger: logHandler(logger, "books")}
}

// ListBooks returns the maintained symbols and whether each book is in
// step with its depth stream.
// GET /api/books
func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols": h.books.Symbols(),
		"synced":  h.books.Synced(),
	})
}

// GetBook returns the top rows of one book.
// GET /api/books/{symbol}?depth=20
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	depth := 20
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "depth must be a non-negative integer")
			return
		}
		depth = n
	}
	view, err := h.books.View(strings.ToUpper(r.PathValue("symbol")), depth)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type mergeRequest struct {
	MergeDecimals *int32 `json:"merge_decimals"`
}

// SetMerge regroups a book at a new granularity.
// PUT /api/books/{symbol}/merge
func (h *BookHandler) SetMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MergeDecimals == nil {
		writeError(w, http.StatusBadRequest, "merge_decimals is required")
		return
	}
	symbol := strings.ToUpper(r.PathValue("symbol"))
	if err := h.books.SetMergeDecimals(symbol, *req.MergeDecimals); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	view, err := h.books.View(symbol, 20)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
