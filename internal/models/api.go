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

package models

import "github.com/shopspring/decimal"

// SignInRequest resolves a wallet to an existing profile.
type SignInRequest struct {
	WalletAddress string `json:"walletAddress"`
}

// SignInResponse reports whether the wallet still needs onboarding.
type SignInResponse struct {
	User            *User `json:"user"`
	NeedsOnboarding bool  `json:"needsOnboarding"`
}

// OnboardRequest creates a profile for a connected wallet.
type OnboardRequest struct {
	WalletAddress      string   `json:"walletAddress"`
	Name               string   `json:"name"`
	Age                int      `json:"age"`
	Gender             Gender   `json:"gender"`
	Bio                string   `json:"bio"`
	Photos             []string `json:"photos"`
	PreferredTipAmount int      `json:"preferredTipAmount"`
}

// OnboardResponse wraps the created profile.
type OnboardResponse struct {
	User *User `json:"user"`
}

// CreateMatchRequest sends a tip from sender to receiver. The transaction
// hash is the receipt of the escrow lock performed before this call.
type CreateMatchRequest struct {
	SenderWallet    string          `json:"senderWallet"`
	ReceiverWallet  string          `json:"receiverWallet"`
	TipAmount       decimal.Decimal `json:"tipAmount"`
	TransactionHash string          `json:"transactionHash"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	// ExistingMatch is set on pair conflicts so the client can reconcile
	// against the authoritative match instead of retrying.
	ExistingMatch *Match `json:"existingMatch,omitempty"`
	// Match is set on invalid-transition conflicts with the current state.
	Match *Match `json:"match,omitempty"`
}

// SeedResponse summarizes an applied fixture set.
type SeedResponse struct {
	Message          string `json:"message"`
	UserCount        int    `json:"userCount"`
	MatchCount       int    `json:"matchCount"`
	TransactionCount int    `json:"transactionCount"`
}
