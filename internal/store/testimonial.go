package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dukerupert/vouch/internal/database"
	"github.com/dukerupert/vouch/internal/model"
)

// ErrDuplicateToken is returned by Create when the verification token is
// already taken by another testimonial.
var ErrDuplicateToken = errors.New("duplicate verification token")

type TestimonialStore struct {
	db *sql.DB
}

func NewTestimonialStore(db *sql.DB) *TestimonialStore {
	return &TestimonialStore{db: db}
}

func scanTestimonial(scanner interface{ Scan(...any) error }) (*model.Testimonial, error) {
	var t model.Testimonial
	var decidedAt sql.NullTime
	err := scanner.Scan(
		&t.ID, &t.OwnerAccountID,
		&t.Client.Name, &t.Client.Email, &t.Client.Company, &t.Client.Title,
		&t.OriginalText, &t.EnhancedText, &t.VerificationToken, &t.Status,
		&t.CreatedAt, &decidedAt,
	)
	if err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		t.DecidedAt = &decidedAt.Time
	}
	return &t, nil
}

const testimonialCols = `id, owner_account_id, client_name, client_email, client_company, client_title,
	original_text, enhanced_text, verification_token, status, created_at, decided_at`

// Create inserts a pending testimonial. The caller assigns ID and token.
func (s *TestimonialStore) Create(ctx context.Context, t *model.Testimonial) (*model.Testimonial, error) {
	_, err := database.Executor(ctx, s.db).ExecContext(ctx,
		`INSERT INTO testimonials (id, owner_account_id, client_name, client_email, client_company,
			client_title, original_text, enhanced_text, verification_token, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerAccountID, t.Client.Name, t.Client.Email, t.Client.Company,
		t.Client.Title, t.OriginalText, t.EnhancedText, t.VerificationToken, model.StatusPending,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateToken
		}
		return nil, fmt.Errorf("insert testimonial: %w", err)
	}
	return s.GetByID(ctx, t.ID)
}

func (s *TestimonialStore) GetByID(ctx context.Context, id string) (*model.Testimonial, error) {
	row := database.Executor(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+testimonialCols+` FROM testimonials WHERE id = ?`, id)
	t, err := scanTestimonial(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get testimonial: %w", err)
	}
	return t, nil
}

func (s *TestimonialStore) GetByToken(ctx context.Context, token string) (*model.Testimonial, error) {
	row := database.Executor(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+testimonialCols+` FROM testimonials WHERE verification_token = ?`, token)
	t, err := scanTestimonial(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get testimonial by token: %w", err)
	}
	return t, nil
}

func (s *TestimonialStore) ListByOwner(ctx context.Context, accountID string) ([]model.Testimonial, error) {
	rows, err := database.Executor(ctx, s.db).QueryContext(ctx,
		`SELECT `+testimonialCols+` FROM testimonials WHERE owner_account_id = ? ORDER BY created_at DESC, id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list testimonials: %w", err)
	}
	defer rows.Close()

	var list []model.Testimonial
	for rows.Next() {
		t, err := scanTestimonial(rows)
		if err != nil {
			return nil, fmt.Errorf("scan testimonial: %w", err)
		}
		list = append(list, *t)
	}
	return list, rows.Err()
}

// Decide moves a pending testimonial to status. It reports whether this call
// performed the transition; a decided testimonial is left untouched.
func (s *TestimonialStore) Decide(ctx context.Context, token string, status model.Status, at time.Time) (bool, error) {
	result, err := database.Executor(ctx, s.db).ExecContext(ctx,
		`UPDATE testimonials SET status = ?, decided_at = ?
		 WHERE verification_token = ? AND status = ?`,
		status, at.UTC(), token, model.StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("decide testimonial: %w", err)
	}
	return affectedOne(result)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
