package policy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/comfyvn/studio/internal/apperr"
	"github.com/comfyvn/studio/internal/store"
)

// Acks persists and checks acknowledgement tokens (§4.4's ack operation).
// It holds no Enforcer; callers construct one Acks per store.
type Acks struct {
	st *store.Store
}

// NewAcks constructs an Acks backed by st.
func NewAcks(st *store.Store) *Acks {
	return &Acks{st: st}
}

// Record stores a new acknowledgement and returns its token.
func (a *Acks) Record(ctx context.Context, user, reason string) (string, error) {
	token := uuid.NewString()
	row := store.AckRow{Token: token, User: user, Reason: reason, CreatedAt: time.Now().UTC()}
	if err := a.st.PutAck(ctx, row); err != nil {
		return "", apperr.Newf(apperr.InternalError, "record ack: %v", err)
	}
	return token, nil
}

// Valid reports whether token was previously recorded.
func (a *Acks) Valid(ctx context.Context, token string) (bool, error) {
	row, err := a.st.GetAck(ctx, token)
	if err != nil {
		return false, nil //nolint:nilerr // sql.ErrNoRows and similar mean "not acked", not a failure
	}
	return row != nil, nil
}
