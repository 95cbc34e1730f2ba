package engine

import (
	"context"

	"solmate-backend/internal/models"
)

const defaultDiscoveryLimit = 10

// DiscoveryCandidates returns opposite-gender profiles the wallet can still
// be matched with. Users already linked to the caller by an ACCEPTED,
// REJECTED, or GHOSTED match are excluded permanently; a PENDING match also
// excludes while it lives. Candidates are ordered by recency of activity.
func (e *Engine) DiscoveryCandidates(ctx context.Context, walletAddress string, limit int) ([]models.User, error) {
	user, err := e.store.GetUserByWallet(ctx, walletAddress)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultDiscoveryLimit
	}
	return e.store.DiscoveryCandidates(ctx, user.Id, user.Gender.Opposite(), limit)
}
