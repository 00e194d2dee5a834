package spend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"reservesync/internal/domain/money"
	"reservesync/internal/domain/provider"
)

// wireTransaction is one element of the "results" array.
type wireTransaction struct {
	TransactionID string          `json:"transaction_id"`
	Timestamp     string          `json:"timestamp"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"` // major units, number or string on the wire
	Currency      string          `json:"currency"`
}

func (w wireTransaction) toDomain() (provider.Transaction, error) {
	tx := provider.Transaction{
		ID:          w.TransactionID,
		Description: w.Description,
		Amount:      money.FromMajor(w.Amount),
		Currency:    w.Currency,
	}
	if w.Timestamp != "" {
		ts, err := parseTimestamp(w.Timestamp)
		if err != nil {
			return provider.Transaction{}, fmt.Errorf("transaction %s: %w", w.TransactionID, err)
		}
		tx.Timestamp = ts
	}
	return tx, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	// Some card feeds omit the offset; those are UTC.
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", s, err)
	}
	return t, nil
}

// stream decodes a {"results": [...]} body one transaction at a time.
type stream struct {
	body io.ReadCloser
	used atomic.Bool
}

func newStream(body io.ReadCloser) *stream {
	return &stream{body: body}
}

// All returns the single-use sequence over the body. A second range yields
// provider.ErrStreamConsumed.
func (s *stream) All() iter.Seq2[provider.Transaction, error] {
	return func(yield func(provider.Transaction, error) bool) {
		if !s.used.CompareAndSwap(false, true) {
			yield(provider.Transaction{}, provider.ErrStreamConsumed)
			return
		}
		defer s.body.Close()

		dec := json.NewDecoder(s.body)
		found, err := seekResults(dec)
		if err != nil {
			yield(provider.Transaction{}, err)
			return
		}
		if !found {
			return
		}

		for dec.More() {
			var w wireTransaction
			if err := dec.Decode(&w); err != nil {
				yield(provider.Transaction{}, fmt.Errorf("failed to decode transaction: %w", err))
				return
			}
			tx, err := w.toDomain()
			if err != nil {
				yield(provider.Transaction{}, err)
				return
			}
			if !yield(tx, nil) {
				return
			}
		}

		if err := expectDelim(dec, ']'); err != nil {
			yield(provider.Transaction{}, err)
		}
	}
}

// seekResults advances dec to just inside the "results" array. It reports
// false when the object has no results key.
func seekResults(dec *json.Decoder) (bool, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return false, err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return false, fmt.Errorf("failed to read response: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return false, fmt.Errorf("malformed response: unexpected token %v", tok)
		}
		if key == "results" {
			return true, expectDelim(dec, '[')
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return false, fmt.Errorf("failed to read response field %q: %w", key, err)
		}
	}
	return false, nil
}

var errMalformed = errors.New("malformed transactions response")

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("%w: expected %q, got %v", errMalformed, want, tok)
	}
	return nil
}
