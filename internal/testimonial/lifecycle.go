package testimonial

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/vouch/internal/model"
	"github.com/dukerupert/vouch/internal/store"
)

// tokenBytes is the amount of randomness in a verification token.
const tokenBytes = 32

// Draft is the input for a new testimonial.
type Draft struct {
	Client       model.ClientInfo `json:"client"`
	OriginalText string           `json:"original_text"`
	EnhancedText string           `json:"enhanced_text"`
}

// Validate checks that both texts are present.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.OriginalText) == "" {
		return fmt.Errorf("%w: original_text is required", model.ErrInvalidInput)
	}
	if strings.TrimSpace(d.EnhancedText) == "" {
		return fmt.Errorf("%w: enhanced_text is required", model.ErrInvalidInput)
	}
	return nil
}

// Lifecycle owns testimonials and their one-way Pending to Verified or
// Rejected transition.
type Lifecycle struct {
	testimonials *store.TestimonialStore
	newToken     func() (string, error)
	now          func() time.Time
	logger       *slog.Logger
}

func NewLifecycle(testimonials *store.TestimonialStore, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		testimonials: testimonials,
		newToken:     generateToken,
		now:          time.Now,
		logger:       logger,
	}
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create stores a pending testimonial with a fresh id and verification token.
// A token collision means the random source is broken; it is reported as
// model.ErrInvariantViolation and never retried.
func (l *Lifecycle) Create(ctx context.Context, accountID string, d Draft) (*model.Testimonial, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	token, err := l.newToken()
	if err != nil {
		return nil, fmt.Errorf("generate verification token: %w", err)
	}

	t, err := l.testimonials.Create(ctx, &model.Testimonial{
		ID:                uuid.NewString(),
		OwnerAccountID:    accountID,
		Client:            d.Client,
		OriginalText:      d.OriginalText,
		EnhancedText:      d.EnhancedText,
		VerificationToken: token,
	})
	if errors.Is(err, store.ErrDuplicateToken) {
		l.logger.Error("verification token collision", "account_id", accountID)
		return nil, fmt.Errorf("%w: verification token collision", model.ErrInvariantViolation)
	}
	if err != nil {
		return nil, model.Persistence("create testimonial", err)
	}
	if t == nil {
		return nil, model.Persistence("create testimonial", errors.New("testimonial missing after insert"))
	}
	return t, nil
}

// Decide applies the client's decision. The first decision wins: once the
// testimonial has left Pending, later calls return the existing status with
// Changed false.
func (l *Lifecycle) Decide(ctx context.Context, token string, approve bool) (model.DecisionResult, error) {
	t, err := l.testimonials.GetByToken(ctx, token)
	if err != nil {
		return model.DecisionResult{}, model.Persistence("load testimonial", err)
	}
	if t == nil {
		return model.DecisionResult{}, model.ErrTokenNotFound
	}
	if t.Status.Terminal() {
		return model.DecisionResult{Testimonial: t, Status: t.Status}, nil
	}

	status := model.StatusRejected
	if approve {
		status = model.StatusVerified
	}

	changed, err := l.testimonials.Decide(ctx, token, status, l.now())
	if err != nil {
		return model.DecisionResult{}, model.Persistence("decide testimonial", err)
	}

	// Re-read so a caller that lost the race sees the winner's status.
	t, err = l.testimonials.GetByToken(ctx, token)
	if err != nil {
		return model.DecisionResult{}, model.Persistence("load testimonial", err)
	}
	if t == nil {
		return model.DecisionResult{}, model.ErrTokenNotFound
	}

	if changed {
		l.logger.Info("testimonial decided", "id", t.ID, "status", t.Status)
	}
	return model.DecisionResult{Testimonial: t, Status: t.Status, Changed: changed}, nil
}

// Get returns the testimonial with the given id.
func (l *Lifecycle) Get(ctx context.Context, id string) (*model.Testimonial, error) {
	t, err := l.testimonials.GetByID(ctx, id)
	if err != nil {
		return nil, model.Persistence("load testimonial", err)
	}
	if t == nil {
		return nil, model.ErrNotFound
	}
	return t, nil
}

// Lookup returns the testimonial a verification token points at, so the
// client can read the text before deciding.
func (l *Lifecycle) Lookup(ctx context.Context, token string) (*model.Testimonial, error) {
	t, err := l.testimonials.GetByToken(ctx, token)
	if err != nil {
		return nil, model.Persistence("load testimonial", err)
	}
	if t == nil {
		return nil, model.ErrTokenNotFound
	}
	return t, nil
}

func (l *Lifecycle) ListByOwner(ctx context.Context, accountID string) ([]model.Testimonial, error) {
	list, err := l.testimonials.ListByOwner(ctx, accountID)
	if err != nil {
		return nil, model.Persistence("list testimonials", err)
	}
	if list == nil {
		list = []model.Testimonial{}
	}
	return list, nil
}
