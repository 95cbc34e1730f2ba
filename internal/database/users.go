package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"solmate-backend/internal/models"
	"solmate-backend/internal/store"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// rowScanner lets scanUser work for both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var photos string
	err := row.Scan(&user.Id, &user.WalletAddress, &user.Name, &user.Age, &user.Gender,
		&user.Bio, &photos, &user.PreferredTipAmount, &user.IsOnline, &user.LastActive,
		&user.MatchCount, &user.GhostedCount, &user.GhostedByCount,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(photos), &user.Photos); err != nil {
		return nil, fmt.Errorf("unable to decode photos for user %s: %w", user.Id, err)
	}
	return &user, nil
}

func (s *Service) CreateUser(ctx context.Context, params store.CreateUserParams) (*models.User, error) {
	zap.L().Info("Creating user",
		zap.String("id", params.Id),
		zap.String("wallet", params.WalletAddress),
		zap.String("name", params.Name))

	photos, err := json.Marshal(params.Photos)
	if err != nil {
		return nil, fmt.Errorf("unable to encode photos: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryInsertUser,
		params.Id, params.WalletAddress, params.Name, params.Age, string(params.Gender),
		params.Bio, string(photos), params.PreferredTipAmount, params.IsOnline, params.LastActive)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrUserAlreadyExists, params.WalletAddress)
		}
		zap.L().Error("Failed to insert user", zap.String("wallet", params.WalletAddress), zap.Error(err))
		return nil, fmt.Errorf("unable to insert user: %w", err)
	}

	return s.GetUserById(ctx, params.Id)
}

func (s *Service) GetUserById(ctx context.Context, userId string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, queryGetUserById, userId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %s", store.ErrUserNotFound, userId)
		}
		zap.L().Error("Failed to query user by ID", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("unable to query user by ID: %w", err)
	}
	return user, nil
}

func (s *Service) GetUserByWallet(ctx context.Context, walletAddress string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, queryGetUserByWallet, walletAddress))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: wallet %s", store.ErrUserNotFound, walletAddress)
		}
		zap.L().Error("Failed to query user by wallet", zap.String("wallet", walletAddress), zap.Error(err))
		return nil, fmt.Errorf("unable to query user by wallet: %w", err)
	}
	return user, nil
}

func (s *Service) TouchLastActive(ctx context.Context, userId string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, queryTouchLastActive, now, userId)
	if err != nil {
		return fmt.Errorf("unable to update last active: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: id %s", store.ErrUserNotFound, userId)
	}
	return nil
}

func (s *Service) DiscoveryCandidates(ctx context.Context, userId string, gender models.Gender, limit int) ([]models.User, error) {
	zap.L().Debug("Querying discovery candidates",
		zap.String("user_id", userId),
		zap.String("gender", string(gender)),
		zap.Int("limit", limit))

	rows, err := s.db.QueryContext(ctx, queryDiscoveryCandidates,
		userId, string(gender), userId, userId, userId, limit)
	if err != nil {
		zap.L().Error("Failed to query discovery candidates", zap.Error(err))
		return nil, fmt.Errorf("unable to query discovery candidates: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	users := []models.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			zap.L().Error("Failed to scan user row", zap.Error(err))
			return nil, fmt.Errorf("unable to scan user row: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}

	zap.L().Debug("Retrieved discovery candidates", zap.Int("count", len(users)))
	return users, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
