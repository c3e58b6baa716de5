package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"booklend/internal/models"
	"booklend/internal/storage"
)

func borrowerOf(b *models.Book) sql.NullString {
	if loan := b.ActiveLoan(); loan != nil {
		return sql.NullString{String: loan.BorrowerID, Valid: true}
	}
	return sql.NullString{}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBook(row scanner) (*models.Book, error) {
	var (
		doc     string
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	var book models.Book
	if err := json.Unmarshal([]byte(doc), &book); err != nil {
		return nil, fmt.Errorf("failed to decode book: %w", err)
	}
	book.Version = version
	return &book, nil
}

func (s *SQLiteDB) queryBooks(ctx context.Context, query string, args ...any) ([]models.Book, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	books := make([]models.Book, 0)
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *book)
	}
	return books, rows.Err()
}

// CreateBook inserts the book at version 1
func (s *SQLiteDB) CreateBook(ctx context.Context, book *models.Book) error {
	if book.State == nil {
		book.State = models.Available{}
	}
	doc, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("failed to encode book: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO books (id, owner_id, title, author, status, borrower_id, document, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		book.ID, book.OwnerID, book.Title, book.Author, string(book.Status()), borrowerOf(book), string(doc), book.CreatedAt.UnixNano())
	if isDuplicate(err) {
		return fmt.Errorf("book %s: %w", book.ID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create book: %w", err)
	}
	book.Version = 1
	return nil
}

// GetBook returns a book by id
func (s *SQLiteDB) GetBook(ctx context.Context, id string) (*models.Book, error) {
	book, err := scanBook(s.db.QueryRowContext(ctx, `SELECT document, version FROM books WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return book, nil
}

// ListBooksByOwner returns the owner's books, newest first
func (s *SQLiteDB) ListBooksByOwner(ctx context.Context, ownerID string) ([]models.Book, error) {
	books, err := s.queryBooks(ctx, `SELECT document, version FROM books WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list books by owner: %w", err)
	}
	return books, nil
}

// ListAvailableBooks returns available books of other owners sorted by title and author
func (s *SQLiteDB) ListAvailableBooks(ctx context.Context, excludeOwnerID string, limit, offset int) ([]models.Book, error) {
	if limit <= 0 {
		limit = -1
	}
	books, err := s.queryBooks(ctx, `SELECT document, version FROM books
		WHERE status = ? AND owner_id <> ?
		ORDER BY title, author, id
		LIMIT ? OFFSET ?`,
		string(models.StatusAvailable), excludeOwnerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list available books: %w", err)
	}
	return books, nil
}

// ListBorrowedBooks returns books currently on loan to borrowerID
func (s *SQLiteDB) ListBorrowedBooks(ctx context.Context, borrowerID string) ([]models.Book, error) {
	books, err := s.queryBooks(ctx, `SELECT document, version FROM books WHERE status = ? AND borrower_id = ? ORDER BY title`,
		string(models.StatusOnLoan), borrowerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list borrowed books: %w", err)
	}
	return books, nil
}

// ListReservedBooks returns every reserved book
func (s *SQLiteDB) ListReservedBooks(ctx context.Context) ([]models.Book, error) {
	books, err := s.queryBooks(ctx, `SELECT document, version FROM books WHERE status = ?`, string(models.StatusReserved))
	if err != nil {
		return nil, fmt.Errorf("failed to list reserved books: %w", err)
	}
	return books, nil
}

// UpdateBook replaces the book when the stored version matches
func (s *SQLiteDB) UpdateBook(ctx context.Context, book *models.Book, expectedVersion int64) error {
	doc, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("failed to encode book: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE books
		SET title = ?, author = ?, status = ?, borrower_id = ?, document = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		book.Title, book.Author, string(book.Status()), borrowerOf(book), string(doc), book.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update book: %w", err)
	}
	if err := s.casResult(ctx, res, "books", book.ID); err != nil {
		return err
	}
	book.Version = expectedVersion + 1
	return nil
}

// DeleteBook removes the book when the stored version matches
func (s *SQLiteDB) DeleteBook(ctx context.Context, id string, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM books WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete book: %w", err)
	}
	return s.casResult(ctx, res, "books", id)
}
