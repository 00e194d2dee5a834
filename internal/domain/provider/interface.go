package provider

import (
	"context"
	"iter"
)

// Refresher exchanges a refresh token for a new token pair.
// A rejected grant is reported as *AuthRefreshError.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Ledger fetches card transactions from the spend provider.
//
// The request is issued before FetchTransactions returns, so a non-success
// response surfaces as *ProviderError immediately. The returned sequence is
// lazy, finite and single-use; it must be ranged over (or broken out of) to
// release the underlying response.
type Ledger interface {
	FetchTransactions(ctx context.Context, accountID, accessToken string, window Window) (iter.Seq2[Transaction, error], error)
}

// Funds performs deposits into reserve pots on the funds provider.
type Funds interface {
	Deposit(ctx context.Context, accessToken string, req DepositRequest) (*TransferResult, error)
}
