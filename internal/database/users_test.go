package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"solmate-backend/internal/models"
	"solmate-backend/internal/store"
)

func TestCreateUser_DuplicateWallet(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	createTestUser(t, service, "u1", "wallet-1", models.GenderMale)

	_, err := service.CreateUser(ctx, store.CreateUserParams{
		Id:            "u2",
		WalletAddress: "wallet-1",
		Name:          "Duplicate",
		Age:           30,
		Gender:        models.GenderMale,
		Photos:        []string{"photo.jpg"},
		LastActive:    time.Now(),
	})
	if !errors.Is(err, store.ErrUserAlreadyExists) {
		t.Errorf("Expected ErrUserAlreadyExists, got %v", err)
	}
}

func TestGetUserByWallet_NotFound(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	_, err := service.GetUserByWallet(context.Background(), "no-such-wallet")
	if !errors.Is(err, store.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestUserPhotosRoundTrip(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	photos := []string{"https://example.com/a.jpg", "https://example.com/b.jpg"}
	created, err := service.CreateUser(ctx, store.CreateUserParams{
		Id:            "u1",
		WalletAddress: "wallet-1",
		Name:          "Photogenic",
		Age:           27,
		Gender:        models.GenderFemale,
		Photos:        photos,
		LastActive:    time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	loaded, err := service.GetUserById(ctx, created.Id)
	if err != nil {
		t.Fatalf("GetUserById failed: %v", err)
	}
	if len(loaded.Photos) != 2 || loaded.Photos[0] != photos[0] || loaded.Photos[1] != photos[1] {
		t.Errorf("Photos did not round-trip: %+v", loaded.Photos)
	}
}

func TestTouchLastActive(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	user := createTestUser(t, service, "u1", "wallet-1", models.GenderMale)
	later := time.Now().Add(time.Hour)
	if err := service.TouchLastActive(ctx, user.Id, later); err != nil {
		t.Fatalf("TouchLastActive failed: %v", err)
	}

	loaded, err := service.GetUserById(ctx, user.Id)
	if err != nil {
		t.Fatalf("GetUserById failed: %v", err)
	}
	if loaded.LastActive.Before(user.LastActive) {
		t.Errorf("Expected last_active to advance, got %s", loaded.LastActive)
	}
}
