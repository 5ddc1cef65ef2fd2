// Package invite gates linsight runs behind bound invite codes with a limited number of uses.
package invite

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/linsight/models"
)

// Store persists invite codes. Consume and Refund must be single conditional UPDATEs so that
// used never leaves [0, limit].
type Store interface {
	InviteByCode(ctx context.Context, code string) (models.InviteCode, error)
	ActiveInvite(ctx context.Context, userID int64) (models.InviteCode, bool, error)
	BindInvite(ctx context.Context, codeID, userID int64) (bool, error)
	ConsumeInvite(ctx context.Context, userID int64) (bool, error)
	RefundInvite(ctx context.Context, userID int64) (bool, error)
	InsertInvites(ctx context.Context, codes []models.InviteCode) error
}

// Gate enforces the per-user remaining-uses budget.
type Gate struct {
	store  Store
	logger *log.Logger
}

func NewGate(store Store, logger *log.Logger) *Gate {
	if logger == nil {
		logger = log.New(os.Stdout, "[INVITE] ", log.LstdFlags)
	}
	return &Gate{store: store, logger: logger}
}

// Bind attaches code to userID. Binding a code the user already holds is a no-op.
func (g *Gate) Bind(ctx context.Context, userID int64, code string) (models.InviteCode, error) {
	code = Normalize(code)
	if !Valid(code) {
		return models.InviteCode{}, fmt.Errorf("%w: checksum mismatch", ErrInvalid)
	}
	inv, err := g.store.InviteByCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return models.InviteCode{}, fmt.Errorf("%w: unknown code", ErrInvalid)
	}
	if err != nil {
		return models.InviteCode{}, fmt.Errorf("load invite code: %w", err)
	}
	if inv.BindUser != nil {
		if *inv.BindUser == userID {
			return inv, nil
		}
		return models.InviteCode{}, fmt.Errorf("%w: already bound to another user", ErrBind)
	}
	if active, ok, err := g.store.ActiveInvite(ctx, userID); err != nil {
		return models.InviteCode{}, fmt.Errorf("load active invite: %w", err)
	} else if ok {
		return models.InviteCode{}, fmt.Errorf("%w: user still has %d unused runs on code %s", ErrBind, active.Remaining(), active.Code)
	}
	bound, err := g.store.BindInvite(ctx, inv.ID, userID)
	if err != nil {
		return models.InviteCode{}, fmt.Errorf("bind invite code: %w", err)
	}
	if !bound {
		return models.InviteCode{}, fmt.Errorf("%w: bound concurrently by another user", ErrBind)
	}
	inv.BindUser = &userID
	g.logger.Printf("user=%d bound code %s (%d runs)", userID, inv.Code, inv.Remaining())
	return inv, nil
}

// Consume takes one run from the user's active code.
func (g *Gate) Consume(ctx context.Context, userID int64) error {
	ok, err := g.store.ConsumeInvite(ctx, userID)
	if err != nil {
		return fmt.Errorf("consume invite: %w", err)
	}
	if !ok {
		return ErrUseUp
	}
	return nil
}

// Refund gives one run back, used when a version is terminated before any step ran.
func (g *Gate) Refund(ctx context.Context, userID int64) error {
	ok, err := g.store.RefundInvite(ctx, userID)
	if err != nil {
		return fmt.Errorf("refund invite: %w", err)
	}
	if !ok {
		g.logger.Printf("user=%d refund skipped, nothing consumed", userID)
	}
	return nil
}

// Remaining returns the runs left on the user's active code.
func (g *Gate) Remaining(ctx context.Context, userID int64) (int, error) {
	inv, ok, err := g.store.ActiveInvite(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load active invite: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return inv.Remaining(), nil
}

// Batch describes a minting request.
type Batch struct {
	Name      string
	Count     int
	Limit     int
	CreatedBy int64
}

// Mint generates and stores a batch of codes.
func (g *Gate) Mint(ctx context.Context, b Batch) ([]models.InviteCode, error) {
	if b.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	codes, err := Generate(b.Count)
	if err != nil {
		return nil, err
	}
	batchID := uuid.NewString()
	now := time.Now().UTC()
	out := make([]models.InviteCode, 0, len(codes))
	for _, c := range codes {
		out = append(out, models.InviteCode{
			Code:      c,
			BatchID:   batchID,
			BatchName: b.Name,
			Limit:     b.Limit,
			CreatedID: b.CreatedBy,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := g.store.InsertInvites(ctx, out); err != nil {
		return nil, fmt.Errorf("store invite batch: %w", err)
	}
	g.logger.Printf("minted %d codes in batch %s (%s), %d runs each", len(out), batchID, b.Name, b.Limit)
	return out, nil
}
