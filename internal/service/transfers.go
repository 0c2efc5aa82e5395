package service

import (
	"context"
	"time"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/model"
	"github.com/Leighthann/codebreak/internal/repository"
	"go.uber.org/zap"
)

// TransferStore is the part of the persistence gateway inventories use.
type TransferStore interface {
	Inventory(ctx context.Context, username string) (map[string]int, error)
	AddResources(ctx context.Context, username, resource string, amount int, at time.Time) (map[string]int, error)
	TransferResource(ctx context.Context, t model.ResourceTransfer) (model.ResourceTransfer, error)
	Transfers(ctx context.Context, gameID string) ([]model.ResourceTransfer, error)
}

// MembershipChecker answers whether a principal is in a session.
type MembershipChecker interface {
	SessionBroadcaster
	IsMember(id, principal string) bool
}

// Transfers moves resources between members of a session.
type Transfers struct {
	store        TransferStore
	sessions     MembershipChecker
	achievements *Achievements
	locks        *keyedMutex
	log          *zap.Logger
	now          func() time.Time
}

// NewTransfers creates the inventory layer. achievements may be nil.
func NewTransfers(store TransferStore, sessions MembershipChecker, achievements *Achievements, log *zap.Logger) *Transfers {
	return &Transfers{
		store:        store,
		sessions:     sessions,
		achievements: achievements,
		locks:        newKeyedMutex(),
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func inventoryKey(username string) string { return "inventory:" + username }

func validResource(resource string, amount int) error {
	if amount <= 0 {
		return errs.Invalid("amount must be positive")
	}
	if !repository.KnownResource(resource) {
		return errs.Invalid("unknown resource type %q", resource)
	}
	return nil
}

// Share hands amount of resource from one member of session id to another.
func (t *Transfers) Share(ctx context.Context, id, from string, req model.TransferRequest) (*model.Transfer, error) {
	if from == "" {
		return nil, errs.ErrUnauthorized
	}
	if err := validResource(req.ResourceType, req.Amount); err != nil {
		return nil, err
	}
	if req.ToUsername == from {
		return nil, errs.Invalid("cannot transfer to yourself")
	}
	if !t.sessions.IsMember(id, from) || !t.sessions.IsMember(id, req.ToUsername) {
		return nil, errs.Invalid("both players must be members of session %s", id)
	}

	unlock := t.locks.LockAll(inventoryKey(from), inventoryKey(req.ToUsername))
	row, err := t.store.TransferResource(ctx, model.ResourceTransfer{
		GameID:       id,
		FromUsername: from,
		ToUsername:   req.ToUsername,
		ResourceType: req.ResourceType,
		Amount:       req.Amount,
		CreatedAt:    t.now(),
	})
	unlock()
	if err != nil {
		return nil, err
	}

	out := toTransfer(row)
	if err := t.sessions.Broadcast(id, from, model.Event{Type: model.EventResourceTransfer, Data: out}, false); err != nil {
		t.log.Warn("transfer broadcast failed", zap.String("session_id", id), zap.Error(err))
	}
	t.log.Info("resources transferred",
		zap.String("session_id", id),
		zap.String("from", from),
		zap.String("to", req.ToUsername),
		zap.String("resource", req.ResourceType),
		zap.Int("amount", req.Amount))
	return &out, nil
}

// History lists the transfers of session id, newest first.
func (t *Transfers) History(ctx context.Context, id string) ([]model.Transfer, error) {
	rows, err := t.store.Transfers(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]model.Transfer, 0, len(rows))
	for _, r := range rows {
		out = append(out, toTransfer(r))
	}
	return out, nil
}

// Inventory returns the resources principal holds.
func (t *Transfers) Inventory(ctx context.Context, principal string) (map[string]int, error) {
	return t.store.Inventory(ctx, principal)
}

// AddResources credits collected resources to principal.
func (t *Transfers) AddResources(ctx context.Context, principal, resource string, amount int) (map[string]int, error) {
	if principal == "" {
		return nil, errs.ErrUnauthorized
	}
	if err := validResource(resource, amount); err != nil {
		return nil, err
	}
	unlock := t.locks.Lock(inventoryKey(principal))
	inv, err := t.store.AddResources(ctx, principal, resource, amount, t.now())
	unlock()
	if err != nil {
		return nil, err
	}
	if t.achievements != nil {
		t.achievements.evaluateInventory(ctx, principal, inv)
	}
	return inv, nil
}

func toTransfer(r model.ResourceTransfer) model.Transfer {
	return model.Transfer{
		ID:           r.ID,
		SessionID:    r.GameID,
		FromUsername: r.FromUsername,
		ToUsername:   r.ToUsername,
		ResourceType: r.ResourceType,
		Amount:       r.Amount,
		CreatedAt:    r.CreatedAt,
	}
}
