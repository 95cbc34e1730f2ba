/**
 * Copyright 2025-present Solmate Labs
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

const (
	userColumns = `id, wallet_address, name, age, gender, bio, photos, preferred_tip_amount,
		is_online, last_active, match_count, ghosted_count, ghosted_by_count, created_at, updated_at`

	// User queries
	queryInsertUser = `
		INSERT INTO users (id, wallet_address, name, age, gender, bio, photos,
			preferred_tip_amount, is_online, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetUserById = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = ?`

	queryGetUserByWallet = `
		SELECT ` + userColumns + `
		FROM users
		WHERE wallet_address = ?`

	queryGetWalletById = `
		SELECT wallet_address FROM users WHERE id = ?`

	queryTouchLastActive = `
		UPDATE users
		SET last_active = ?, is_online = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	// Discovery: opposite gender, online, and no match history with the
	// requester in any direction or status.
	queryDiscoveryCandidates = `
		SELECT ` + userColumns + `
		FROM users u
		WHERE u.id != ?
		  AND u.gender = ?
		  AND u.is_online = 1
		  AND u.id NOT IN (
			SELECT CASE WHEN m.sender_id = ? THEN m.receiver_id ELSE m.sender_id END
			FROM matches m
			WHERE m.sender_id = ? OR m.receiver_id = ?
		  )
		ORDER BY u.last_active DESC
		LIMIT ?`

	// Match queries
	matchColumns = `id, sender_id, receiver_id, tip_amount, transaction_hash, status,
		created_at, expires_at, accepted_at, rejected_at, ghosted_at`

	queryInsertMatch = `
		INSERT INTO matches (id, sender_id, receiver_id, tip_amount, transaction_hash,
			status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, 'PENDING', ?, ?)`

	queryGetMatchById = `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE id = ?`

	queryGetMatchByPair = `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`

	queryGetMatchesForUser = `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE sender_id = ? OR receiver_id = ?
		ORDER BY created_at DESC`

	queryListExpiredPending = `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE status = 'PENDING' AND expires_at <= ?
		ORDER BY expires_at`

	// Guarded transitions: rows affected is 0 when a concurrent transition
	// already moved the match out of PENDING (or, for accepts, past expiry).
	queryAcceptMatch = `
		UPDATE matches
		SET status = 'ACCEPTED', accepted_at = ?
		WHERE id = ? AND status = 'PENDING' AND expires_at > ?`

	queryRejectMatch = `
		UPDATE matches
		SET status = 'REJECTED', rejected_at = ?
		WHERE id = ? AND status = 'PENDING'`

	queryGhostMatch = `
		UPDATE matches
		SET status = 'GHOSTED', ghosted_at = ?
		WHERE id = ? AND status = 'PENDING'`

	queryIncrementMatchCount = `
		UPDATE users SET match_count = match_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	queryIncrementGhostedCount = `
		UPDATE users SET ghosted_count = ghosted_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	queryIncrementGhostedByCount = `
		UPDATE users SET ghosted_by_count = ghosted_by_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	// Transaction queries
	transactionColumns = `id, wallet_address, type, amount, transaction_hash, match_id, status, created_at`

	queryInsertTransaction = `
		INSERT INTO transactions (id, wallet_address, type, amount, transaction_hash, match_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetTransactionByHash = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE transaction_hash = ?`

	queryUpdateTransactionStatus = `
		UPDATE transactions SET status = ? WHERE id = ?`

	// Guarded: a concurrently confirmed entry stays confirmed.
	queryFailPendingTransaction = `
		UPDATE transactions SET status = 'FAILED' WHERE id = ? AND status = 'PENDING'`

	queryGetTransactionsForWallet = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE wallet_address = ?
		ORDER BY created_at DESC`

	queryGetTransactionsForMatch = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE match_id = ?
		ORDER BY created_at`

	// Settlement resolution for ledger backends
	queryResolveSettlement = `
		SELECT m.transaction_hash, m.tip_amount, s.wallet_address, r.wallet_address
		FROM matches m
		JOIN users s ON s.id = m.sender_id
		JOIN users r ON r.id = m.receiver_id
		WHERE m.id = ?`
)
