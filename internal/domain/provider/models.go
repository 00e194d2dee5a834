package provider

import (
	"errors"
	"fmt"
	"time"

	"reservesync/internal/domain/money"
)

// DefaultLookback is the fetch window used when a job has never synced.
const DefaultLookback = 24 * time.Hour

var (
	ErrStreamConsumed = errors.New("transaction stream already consumed")
	ErrInvalidWindow  = errors.New("invalid fetch window")
)

// Token is the result of a refresh grant, regardless of provider.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExpiresAt converts the relative lifetime into an absolute expiry.
func (t Token) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Window is the half-open fetch range [From, To) with second precision.
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow captures the window for one fetch. When since is nil the window
// starts DefaultLookback before now. Both bounds are truncated to whole seconds
// so the checkpoint written afterwards equals exactly what the provider saw.
func NewWindow(since *time.Time, now time.Time) (Window, error) {
	to := now.UTC().Truncate(time.Second)
	from := to.Add(-DefaultLookback)
	if since != nil {
		from = since.UTC().Truncate(time.Second)
	}
	if from.After(to) {
		return Window{}, fmt.Errorf("%w: from %s is after to %s", ErrInvalidWindow,
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return Window{From: from, To: to}, nil
}

// Transaction is a spend-provider transaction reduced to what the engine needs.
type Transaction struct {
	ID          string
	Timestamp   time.Time
	Description string
	Amount      money.Money
	Currency    string
}

// DepositRequest describes one transfer into a reserve pot.
type DepositRequest struct {
	SourceAccountID string
	PotID           string
	Amount          money.Money
	Date            time.Time // calendar date used for the default dedupe key
	DedupeKey       string    // overrides the default daily key when set
}

// TransferResult is the funds provider's confirmation of a deposit.
type TransferResult struct {
	ID        string
	Balance   money.Money
	DedupeKey string
	Raw       []byte
}

// DailyDedupeKey is the default deposit idempotency key: the UTC calendar
// date and the amount in minor units, e.g. "2026-10-15-500". Two distinct
// transfers of the same amount on the same day share a key.
func DailyDedupeKey(date time.Time, amount money.Money) string {
	return date.UTC().Format(time.DateOnly) + "-" + amount.String()
}

// WindowDedupeKey keys a deposit on the job and the exact fetch window, so
// equal amounts from different windows never collide.
func WindowDedupeKey(jobID int64, w Window) string {
	return fmt.Sprintf("job-%d-%d-%d", jobID, w.From.Unix(), w.To.Unix())
}
