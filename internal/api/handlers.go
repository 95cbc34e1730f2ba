package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"solmate-backend/internal/engine"
	"solmate-backend/internal/ledger"
	"solmate-backend/internal/models"
	"solmate-backend/internal/store"

	"go.uber.org/zap"
)

// Prober checks that the durable store is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Seeder reloads the demo fixture set. Wired only in dev deployments.
type Seeder interface {
	Apply(ctx context.Context) (*models.SeedResponse, error)
}

// Handlers holds the dependencies of the HTTP surface. The escrow ledger is
// called directly only at match creation time, where the tip is locked
// before the engine records the match; every other money movement goes
// through the engine.
type Handlers struct {
	engine *engine.Engine
	escrow ledger.Ledger
	prober Prober
	seeder Seeder
}

func NewHandlers(e *engine.Engine, escrow ledger.Ledger, prober Prober, seeder Seeder) *Handlers {
	return &Handlers{engine: e, escrow: escrow, prober: prober, seeder: seeder}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.prober != nil {
		if err := h.prober.Probe(ctx); err != nil {
			zap.L().Error("Health probe failed", zap.Error(err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) SignIn(w http.ResponseWriter, r *http.Request) {
	var req models.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletAddress == "" {
		respondError(w, http.StatusBadRequest, "walletAddress is required")
		return
	}

	user, err := h.engine.SignIn(r.Context(), req.WalletAddress)
	if errors.Is(err, store.ErrUserNotFound) {
		respondJSON(w, http.StatusOK, models.SignInResponse{NeedsOnboarding: true})
		return
	}
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.SignInResponse{User: user})
}

func (h *Handlers) Onboard(w http.ResponseWriter, r *http.Request) {
	var req models.OnboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.engine.Onboard(r.Context(), engine.OnboardParams{
		WalletAddress:      req.WalletAddress,
		Name:               req.Name,
		Age:                req.Age,
		Gender:             req.Gender,
		Bio:                req.Bio,
		Photos:             req.Photos,
		PreferredTipAmount: req.PreferredTipAmount,
	})
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, models.OnboardResponse{User: user})
}

// CreateMatch locks the tip in escrow, then records the PENDING match. A
// client that crashes between the two steps retries with the same
// transaction hash and converges: the lock refuses the duplicate reference
// and the match insert is pair-unique.
func (h *Handlers) CreateMatch(w http.ResponseWriter, r *http.Request) {
	var req models.CreateMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SenderWallet == "" || req.ReceiverWallet == "" || req.TransactionHash == "" {
		respondError(w, http.StatusBadRequest, "senderWallet, receiverWallet and transactionHash are required")
		return
	}

	ctx := r.Context()
	ok, err := h.escrow.HasSufficientBalance(ctx, req.SenderWallet, req.TipAmount)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	if !ok {
		respondError(w, http.StatusPaymentRequired, "insufficient balance for tip")
		return
	}

	if _, err := h.escrow.LockFunds(ctx, req.SenderWallet, req.TipAmount, req.TransactionHash); err != nil {
		if !errors.Is(err, ledger.ErrLockExists) {
			h.respondEngineError(w, r, err)
			return
		}
		// Retry of a lock that already went through. Fall through to the
		// match insert, which resolves the duplicate.
	}

	match, err := h.engine.CreateMatch(ctx, req.SenderWallet, req.ReceiverWallet, req.TipAmount, req.TransactionHash)
	if err != nil {
		if errors.Is(err, store.ErrMatchAlreadyExists) {
			respondJSON(w, http.StatusConflict, models.ErrorResponse{
				Error:         "match already exists for this pair",
				ExistingMatch: match,
			})
			return
		}
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, match)
}

func (h *Handlers) MatchesForUser(w http.ResponseWriter, r *http.Request) {
	matches, err := h.engine.MatchesForUser(r.Context(), r.PathValue("wallet"))
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, matches)
}

func (h *Handlers) AcceptMatch(w http.ResponseWriter, r *http.Request) {
	match, err := h.engine.AcceptMatch(r.Context(), r.PathValue("matchId"))
	if err != nil {
		h.respondTransitionError(w, r, r.PathValue("matchId"), err)
		return
	}
	respondJSON(w, http.StatusOK, match)
}

func (h *Handlers) RejectMatch(w http.ResponseWriter, r *http.Request) {
	match, err := h.engine.RejectMatch(r.Context(), r.PathValue("matchId"))
	if err != nil {
		h.respondTransitionError(w, r, r.PathValue("matchId"), err)
		return
	}
	respondJSON(w, http.StatusOK, match)
}

func (h *Handlers) Discovery(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	candidates, err := h.engine.DiscoveryCandidates(r.Context(), r.PathValue("wallet"), limit)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, candidates)
}

func (h *Handlers) TransactionsForWallet(w http.ResponseWriter, r *http.Request) {
	txs, err := h.engine.TransactionsForWallet(r.Context(), r.PathValue("wallet"))
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, txs)
}

func (h *Handlers) Seed(w http.ResponseWriter, r *http.Request) {
	if h.seeder == nil {
		respondError(w, http.StatusNotFound, "seeding is not enabled")
		return
	}
	summary, err := h.seeder.Apply(r.Context())
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// respondTransitionError maps accept/reject failures. Conflict responses
// carry the current match so the client can reconcile its local state.
func (h *Handlers) respondTransitionError(w http.ResponseWriter, r *http.Request, matchId string, err error) {
	switch {
	case errors.Is(err, store.ErrMatchNotFound):
		respondError(w, http.StatusNotFound, "match not found")
	case errors.Is(err, store.ErrMatchExpired):
		respondError(w, http.StatusGone, "match expired")
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, engine.ErrSettlementConflict):
		current, lookupErr := h.engine.GetMatch(r.Context(), matchId)
		if lookupErr != nil {
			zap.L().Warn("Failed to load match for conflict response",
				zap.String("match_id", matchId), zap.Error(lookupErr))
		}
		respondJSON(w, http.StatusConflict, models.ErrorResponse{
			Error: "match already resolved",
			Match: current,
		})
	default:
		h.respondEngineError(w, r, err)
	}
}

// respondEngineError maps everything the transition mapper does not own.
func (h *Handlers) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrSelfMatch),
		errors.Is(err, engine.ErrInvalidTipAmount),
		errors.Is(err, engine.ErrInvalidProfile):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		respondError(w, http.StatusPaymentRequired, "insufficient balance for tip")
	case errors.Is(err, store.ErrUserNotFound):
		respondError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, store.ErrMatchNotFound):
		respondError(w, http.StatusNotFound, "match not found")
	case errors.Is(err, store.ErrUserAlreadyExists):
		respondError(w, http.StatusConflict, "user already exists for wallet")
	case errors.Is(err, store.ErrDuplicateTransactionHash):
		respondError(w, http.StatusConflict, "transactionHash already backs another match")
	case errors.Is(err, engine.ErrSettlementConflict):
		respondError(w, http.StatusConflict, "tip already settled for a conflicting outcome")
	case errors.Is(err, engine.ErrLedgerUnavailable):
		respondError(w, http.StatusBadGateway, "tip settlement failed, try again")
	default:
		zap.L().Error("Unhandled request error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, models.ErrorResponse{Error: message})
}
