package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"solmate-backend/internal/database"
	"solmate-backend/internal/engine"
	"solmate-backend/internal/ledger"
	"solmate-backend/internal/models"
	"solmate-backend/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiTestEnv struct {
	router http.Handler
	store  *database.Service
	escrow *ledger.EscrowLedger
	engine *engine.Engine
}

func setupAPITestEnv(t *testing.T) *apiTestEnv {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	svc, err := database.NewServiceWithDB(db)
	require.NoError(t, err)
	escrow, err := ledger.NewEscrowLedger(db, svc)
	require.NoError(t, err)

	eng := engine.New(svc, escrow, models.EngineConfig{
		MatchExpiryWindow: 24 * time.Hour,
		LedgerTimeout:     5 * time.Second,
	})
	handlers := NewHandlers(eng, escrow, svc, nil)
	return &apiTestEnv{
		router: NewRouter(handlers, nil),
		store:  svc,
		escrow: escrow,
		engine: eng,
	}
}

func (env *apiTestEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func (env *apiTestEnv) onboardUser(t *testing.T, wallet, name string, gender models.Gender) models.User {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/auth/onboard", models.OnboardRequest{
		WalletAddress: wallet,
		Name:          name,
		Age:           26,
		Gender:        gender,
		Photos:        []string{"https://example.com/p.jpg"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return *decode[models.OnboardResponse](t, rec).User
}

func (env *apiTestEnv) fund(t *testing.T, wallet string, amount int64) {
	t.Helper()
	require.NoError(t, env.escrow.Deposit(context.Background(), wallet, decimal.NewFromInt(amount)))
}

func TestHealthEndpoint(t *testing.T) {
	env := setupAPITestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestSignIn(t *testing.T) {
	env := setupAPITestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/signin", models.SignInRequest{WalletAddress: "wallet-new"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[models.SignInResponse](t, rec)
	assert.True(t, resp.NeedsOnboarding)
	assert.Nil(t, resp.User)

	user := env.onboardUser(t, "wallet-known", "Kim", models.GenderFemale)
	rec = env.do(t, http.MethodPost, "/api/auth/signin", models.SignInRequest{WalletAddress: "wallet-known"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[models.SignInResponse](t, rec)
	assert.False(t, resp.NeedsOnboarding)
	require.NotNil(t, resp.User)
	assert.Equal(t, user.Id, resp.User.Id)

	rec = env.do(t, http.MethodPost, "/api/auth/signin", models.SignInRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOnboardValidationStatus(t *testing.T) {
	env := setupAPITestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/onboard", models.OnboardRequest{
		WalletAddress: "wallet-x", Name: "Teen", Age: 17,
		Gender: models.GenderMale, Photos: []string{"p"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.onboardUser(t, "wallet-dup", "First", models.GenderMale)
	rec = env.do(t, http.MethodPost, "/api/auth/onboard", models.OnboardRequest{
		WalletAddress: "wallet-dup", Name: "Second", Age: 30,
		Gender: models.GenderMale, Photos: []string{"p"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateMatchEndpoint(t *testing.T) {
	env := setupAPITestEnv(t)
	sender := env.onboardUser(t, "wallet-sender", "Sam", models.GenderMale)
	receiver := env.onboardUser(t, "wallet-receiver", "Ana", models.GenderFemale)
	env.fund(t, sender.WalletAddress, 100)

	rec := env.do(t, http.MethodPost, "/api/matches", models.CreateMatchRequest{
		SenderWallet:    sender.WalletAddress,
		ReceiverWallet:  receiver.WalletAddress,
		TipAmount:       decimal.NewFromInt(5),
		TransactionHash: "tx-api-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	match := decode[models.Match](t, rec)
	assert.Equal(t, models.MatchPending, match.Status)

	// A second tip for the same pair conflicts and returns the original.
	rec = env.do(t, http.MethodPost, "/api/matches", models.CreateMatchRequest{
		SenderWallet:    receiver.WalletAddress,
		ReceiverWallet:  sender.WalletAddress,
		TipAmount:       decimal.NewFromInt(2),
		TransactionHash: "tx-api-2",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decode[models.ErrorResponse](t, rec)
	require.NotNil(t, conflict.ExistingMatch)
	assert.Equal(t, match.Id, conflict.ExistingMatch.Id)
}

func TestCreateMatchReusedHashDifferentPair(t *testing.T) {
	env := setupAPITestEnv(t)
	sender := env.onboardUser(t, "wallet-sender", "Sam", models.GenderMale)
	receiver := env.onboardUser(t, "wallet-receiver", "Ana", models.GenderFemale)
	other := env.onboardUser(t, "wallet-other", "Bea", models.GenderFemale)
	env.fund(t, sender.WalletAddress, 100)

	rec := env.do(t, http.MethodPost, "/api/matches", models.CreateMatchRequest{
		SenderWallet:    sender.WalletAddress,
		ReceiverWallet:  receiver.WalletAddress,
		TipAmount:       decimal.NewFromInt(5),
		TransactionHash: "tx-api-reused",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The same tip hash aimed at a different user is a conflict, not a
	// server error: the lock and the audit trail already belong to the
	// first match.
	rec = env.do(t, http.MethodPost, "/api/matches", models.CreateMatchRequest{
		SenderWallet:    sender.WalletAddress,
		ReceiverWallet:  other.WalletAddress,
		TipAmount:       decimal.NewFromInt(5),
		TransactionHash: "tx-api-reused",
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestCreateMatchInsufficientBalance(t *testing.T) {
	env := setupAPITestEnv(t)
	sender := env.onboardUser(t, "wallet-poor", "Pat", models.GenderMale)
	receiver := env.onboardUser(t, "wallet-rich", "Rae", models.GenderFemale)

	rec := env.do(t, http.MethodPost, "/api/matches", models.CreateMatchRequest{
		SenderWallet:    sender.WalletAddress,
		ReceiverWallet:  receiver.WalletAddress,
		TipAmount:       decimal.NewFromInt(5),
		TransactionHash: "tx-api-poor",
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestAcceptMatchEndpoint(t *testing.T) {
	env := setupAPITestEnv(t)
	sender := env.onboardUser(t, "wallet-s", "Sam", models.GenderMale)
	receiver := env.onboardUser(t, "wallet-r", "Ana", models.GenderFemale)
	env.fund(t, sender.WalletAddress, 100)

	rec := env.do(t, http.MethodPost, "/api/matches", models.CreateMatchRequest{
		SenderWallet:    sender.WalletAddress,
		ReceiverWallet:  receiver.WalletAddress,
		TipAmount:       decimal.NewFromInt(5),
		TransactionHash: "tx-api-accept",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	match := decode[models.Match](t, rec)

	rec = env.do(t, http.MethodPatch, fmt.Sprintf("/api/matches/%s/accept", match.Id), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accepted := decode[models.Match](t, rec)
	assert.Equal(t, models.MatchAccepted, accepted.Status)

	// Accepting again conflicts; the body carries the resolved match.
	rec = env.do(t, http.MethodPatch, fmt.Sprintf("/api/matches/%s/accept", match.Id), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decode[models.ErrorResponse](t, rec)
	require.NotNil(t, conflict.Match)
	assert.Equal(t, models.MatchAccepted, conflict.Match.Status)

	rec = env.do(t, http.MethodPatch, "/api/matches/no-such-match/accept", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcceptRefundedEscrowEndpoint(t *testing.T) {
	env := setupAPITestEnv(t)
	sender := env.onboardUser(t, "wallet-s", "Sam", models.GenderMale)
	receiver := env.onboardUser(t, "wallet-r", "Ana", models.GenderFemale)
	env.fund(t, sender.WalletAddress, 100)

	rec := env.do(t, http.MethodPost, "/api/matches", models.CreateMatchRequest{
		SenderWallet:    sender.WalletAddress,
		ReceiverWallet:  receiver.WalletAddress,
		TipAmount:       decimal.NewFromInt(5),
		TransactionHash: "tx-api-conflict",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	match := decode[models.Match](t, rec)

	// The escrow already went back to the sender (a reject's ledger half
	// won); the accept must surface a conflict, not commit the match.
	_, err := env.escrow.RefundFunds(context.Background(), match.Id, sender.WalletAddress)
	require.NoError(t, err)

	rec = env.do(t, http.MethodPatch, fmt.Sprintf("/api/matches/%s/accept", match.Id), nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	conflict := decode[models.ErrorResponse](t, rec)
	require.NotNil(t, conflict.Match)
	assert.Equal(t, models.MatchPending, conflict.Match.Status)
}

func TestAcceptExpiredMatchEndpoint(t *testing.T) {
	env := setupAPITestEnv(t)
	sender := env.onboardUser(t, "wallet-s", "Sam", models.GenderMale)
	receiver := env.onboardUser(t, "wallet-r", "Ana", models.GenderFemale)
	env.fund(t, sender.WalletAddress, 100)
	_, err := env.escrow.LockFunds(context.Background(), sender.WalletAddress, decimal.NewFromInt(5), "tx-api-expired")
	require.NoError(t, err)

	match, err := env.store.CreateMatch(context.Background(), store.CreateMatchParams{
		Id:              "match-expired",
		SenderId:        sender.Id,
		ReceiverId:      receiver.Id,
		TipAmount:       decimal.NewFromInt(5),
		TransactionHash: "tx-api-expired",
		CreatedAt:       time.Now().Add(-25 * time.Hour),
		ExpiresAt:       time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPatch, fmt.Sprintf("/api/matches/%s/accept", match.Id), nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestRejectMatchEndpoint(t *testing.T) {
	env := setupAPITestEnv(t)
	sender := env.onboardUser(t, "wallet-s", "Sam", models.GenderMale)
	receiver := env.onboardUser(t, "wallet-r", "Ana", models.GenderFemale)
	env.fund(t, sender.WalletAddress, 100)

	rec := env.do(t, http.MethodPost, "/api/matches", models.CreateMatchRequest{
		SenderWallet:    sender.WalletAddress,
		ReceiverWallet:  receiver.WalletAddress,
		TipAmount:       decimal.NewFromInt(5),
		TransactionHash: "tx-api-reject",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	match := decode[models.Match](t, rec)

	rec = env.do(t, http.MethodPatch, fmt.Sprintf("/api/matches/%s/reject", match.Id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.MatchRejected, decode[models.Match](t, rec).Status)
}

func TestDiscoveryEndpoint(t *testing.T) {
	env := setupAPITestEnv(t)
	bob := env.onboardUser(t, "wallet-bob", "Bob", models.GenderMale)
	env.onboardUser(t, "wallet-alice", "Alice", models.GenderFemale)
	env.onboardUser(t, "wallet-carol", "Carol", models.GenderFemale)

	rec := env.do(t, http.MethodGet, "/api/users/discovery/"+bob.WalletAddress, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.User](t, rec), 2)

	rec = env.do(t, http.MethodGet, "/api/users/discovery/"+bob.WalletAddress+"?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.User](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/users/discovery/"+bob.WalletAddress+"?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/users/discovery/wallet-unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransactionsEndpoint(t *testing.T) {
	env := setupAPITestEnv(t)
	sender := env.onboardUser(t, "wallet-s", "Sam", models.GenderMale)
	receiver := env.onboardUser(t, "wallet-r", "Ana", models.GenderFemale)
	env.fund(t, sender.WalletAddress, 100)

	rec := env.do(t, http.MethodPost, "/api/matches", models.CreateMatchRequest{
		SenderWallet:    sender.WalletAddress,
		ReceiverWallet:  receiver.WalletAddress,
		TipAmount:       decimal.NewFromInt(5),
		TransactionHash: "tx-api-history",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/transactions/"+sender.WalletAddress, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]models.Transaction](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TxTipSent, txs[0].Type)
	assert.Equal(t, int64(500), txs[0].Amount)
}

func TestSeedDisabled(t *testing.T) {
	env := setupAPITestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/seed", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
