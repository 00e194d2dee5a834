package reconcile

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"reservesync/internal/domain/account"
	"reservesync/internal/domain/connection"
	"reservesync/internal/domain/job"
	"reservesync/internal/domain/money"
	"reservesync/internal/domain/provider"
)

// MockConnectionRepo implements connection.Repository
type MockConnectionRepo struct {
	mu             sync.Mutex
	Saved          []connection.TokenUpdate
	SaveTokensFunc func(ctx context.Context, u connection.TokenUpdate) error
}

func (m *MockConnectionRepo) SaveTokens(ctx context.Context, u connection.TokenUpdate) error {
	m.mu.Lock()
	m.Saved = append(m.Saved, u)
	m.mu.Unlock()
	if m.SaveTokensFunc != nil {
		return m.SaveTokensFunc(ctx, u)
	}
	return nil
}

func (m *MockConnectionRepo) saves() []connection.TokenUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]connection.TokenUpdate(nil), m.Saved...)
}

// MockRefresher implements provider.Refresher
type MockRefresher struct {
	mu          sync.Mutex
	Calls       int
	RefreshFunc func(ctx context.Context, refreshToken string) (provider.Token, error)
}

func (m *MockRefresher) Refresh(ctx context.Context, refreshToken string) (provider.Token, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, refreshToken)
	}
	return provider.Token{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600}, nil
}

func (m *MockRefresher) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// MockLedger implements provider.Ledger
type MockLedger struct {
	mu        sync.Mutex
	Windows   []provider.Window
	FetchFunc func(ctx context.Context, accountID, accessToken string, w provider.Window) (iter.Seq2[provider.Transaction, error], error)
}

func (m *MockLedger) FetchTransactions(ctx context.Context, accountID, accessToken string, w provider.Window) (iter.Seq2[provider.Transaction, error], error) {
	m.mu.Lock()
	m.Windows = append(m.Windows, w)
	m.mu.Unlock()
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, accountID, accessToken, w)
	}
	return seqOf(), nil
}

// MockFunds implements provider.Funds
type MockFunds struct {
	mu          sync.Mutex
	Requests    []provider.DepositRequest
	DepositFunc func(ctx context.Context, accessToken string, req provider.DepositRequest) (*provider.TransferResult, error)
}

func (m *MockFunds) Deposit(ctx context.Context, accessToken string, req provider.DepositRequest) (*provider.TransferResult, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()
	if m.DepositFunc != nil {
		return m.DepositFunc(ctx, accessToken, req)
	}
	return &provider.TransferResult{ID: "tx_1", DedupeKey: req.DedupeKey}, nil
}

func (m *MockFunds) requests() []provider.DepositRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provider.DepositRequest(nil), m.Requests...)
}

// MockJobRepo serves a fixed set of definitions and records checkpoints on
// them, like the store would.
type MockJobRepo struct {
	mu                 sync.Mutex
	Defs               []*job.Definition
	Checkpoints        map[int64]time.Time
	SaveCheckpointFunc func(ctx context.Context, jobID int64, syncedAt time.Time) error
}

func (m *MockJobRepo) DueJobs(ctx context.Context, cutoff time.Time) ([]*job.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*job.Definition
	for _, d := range m.Defs {
		if d.LastSyncedAt == nil || d.LastSyncedAt.Before(cutoff) {
			due = append(due, d)
		}
	}
	return due, nil
}

func (m *MockJobRepo) SaveCheckpoint(ctx context.Context, jobID int64, syncedAt time.Time) error {
	if m.SaveCheckpointFunc != nil {
		if err := m.SaveCheckpointFunc(ctx, jobID, syncedAt); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Checkpoints == nil {
		m.Checkpoints = make(map[int64]time.Time)
	}
	m.Checkpoints[jobID] = syncedAt
	return nil
}

// MockAlerter records alerts
type MockAlerter struct {
	mu     sync.Mutex
	Titles []string
}

func (m *MockAlerter) Alert(ctx context.Context, title, body string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Titles = append(m.Titles, title)
	return nil
}

func (m *MockAlerter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Titles)
}

func seqOf(minor ...int64) iter.Seq2[provider.Transaction, error] {
	return func(yield func(provider.Transaction, error) bool) {
		for i, v := range minor {
			tx := provider.Transaction{ID: string(rune('a' + i)), Amount: money.FromMinor(v), Currency: "GBP"}
			if !yield(tx, nil) {
				return
			}
		}
	}
}

func freshConn(id int64, prov string, now time.Time) *connection.Connection {
	return &connection.Connection{
		ID:           id,
		UserID:       7,
		Provider:     prov,
		AccessToken:  "access-" + prov,
		RefreshToken: "refresh-" + prov,
		ExpiresAt:    now.Add(time.Hour),
	}
}

func newDefinition(id int64, spend, funds *connection.Connection, lastSynced *time.Time) *job.Definition {
	return &job.Definition{
		ID:     id,
		UserID: 7,
		Card: account.Account{
			ID: id*10 + 1, ConnectionID: spend.ID, Type: account.TypeCard,
			ExternalID: "card-1", Connection: spend,
		},
		Cash: account.Account{
			ID: id*10 + 2, ConnectionID: funds.ID, Type: account.TypeCash,
			ExternalID: "acc_cash", Connection: funds,
		},
		Reserve: account.Account{
			ID: id*10 + 3, ConnectionID: funds.ID, Type: account.TypeReserve,
			ExternalID: "pot_reserve", Connection: funds,
		},
		LastSyncedAt: lastSynced,
	}
}

type harness struct {
	conns     *MockConnectionRepo
	jobs      *MockJobRepo
	refresher map[string]*MockRefresher
	ledger    *MockLedger
	funds     *MockFunds
	alerter   *MockAlerter
	tokens    *TokenManager
	orch      *Orchestrator
}

func newHarness(now time.Time, cfg Config, defs ...*job.Definition) *harness {
	h := &harness{
		conns: &MockConnectionRepo{},
		jobs:  &MockJobRepo{Defs: defs},
		refresher: map[string]*MockRefresher{
			"truelayer": {},
			"monzo":     {},
		},
		ledger:  &MockLedger{},
		funds:   &MockFunds{},
		alerter: &MockAlerter{},
	}

	refreshers := make(map[string]provider.Refresher, len(h.refresher))
	for name, r := range h.refresher {
		refreshers[name] = r
	}
	h.tokens = NewTokenManager(h.conns, refreshers, h.alerter)
	h.tokens.now = func() time.Time { return now }

	selector, err := job.NewSelector(h.jobs, job.DefaultStaleness)
	if err != nil {
		panic(err)
	}
	h.orch = NewOrchestrator(selector, h.jobs, h.tokens, h.ledger, h.funds, h.alerter, cfg)
	h.orch.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return h
}

// recordingBackOff remembers every wait it hands out.
type recordingBackOff struct {
	backoff.BackOff
	waits []time.Duration
}

func (r *recordingBackOff) NextBackOff() time.Duration {
	d := r.BackOff.NextBackOff()
	r.waits = append(r.waits, d)
	return d
}
