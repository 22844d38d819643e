package wallet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// isoLayout matches the millisecond ISO-8601 strings the device UI writes.
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

// =============================================================================
// WIRE RECORDS
// =============================================================================

type transactionRecord struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Amount      json.Number `json:"amount"`
	Description string      `json:"description"`
	Date        string      `json:"date"`
	Status      string      `json:"status"`
	DeliveryID  string      `json:"deliveryId,omitempty"`
}

type balanceRecord struct {
	Available json.Number `json:"available"`
	Pending   json.Number `json:"pending"`
	Total     json.Number `json:"total"`
}

type earningsRecord struct {
	Today           json.Number `json:"today"`
	Week            json.Number `json:"week"`
	Month           json.Number `json:"month"`
	DeliveriesToday int         `json:"deliveriesToday"`
	RoutesAccepted  int         `json:"routesAccepted"`
	RoutesCompleted int         `json:"routesCompleted"`
}

func number(d decimal.Decimal) json.Number { return json.Number(d.String()) }

func parseNumber(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(string(n))
}

func formatDate(t time.Time) string { return t.UTC().Format(isoLayout) }

// parseDate accepts full ISO timestamps (with or without fractional
// seconds) and bare calendar dates written by older builds.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func encodeTransactions(txs []Transaction) ([]byte, error) {
	records := make([]transactionRecord, 0, len(txs))
	for _, tx := range txs {
		records = append(records, transactionRecord{
			ID:          string(tx.ID),
			Type:        string(tx.Type),
			Amount:      number(tx.Amount),
			Description: tx.Description,
			Date:        formatDate(tx.Date),
			Status:      string(tx.Status),
			DeliveryID:  tx.DeliveryID,
		})
	}
	return json.Marshal(records)
}

// decodeTransactions decodes each element independently so one corrupted
// record does not take the rest of the ledger with it. A value that is not
// a JSON array at all yields no transactions and a single error at index -1.
func decodeTransactions(key string, data []byte) ([]Transaction, []error) {
	if len(data) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, []error{&RecordError{Key: key, Index: -1, Err: err}}
	}

	txs := make([]Transaction, 0, len(raw))
	var skipped []error
	for i, msg := range raw {
		tx, err := decodeTransaction(msg)
		if err != nil {
			skipped = append(skipped, &RecordError{Key: key, Index: i, Err: err, Raw: msg})
			continue
		}
		txs = append(txs, tx)
	}
	return txs, skipped
}

// mergeRawRecords appends records to an existing JSON array backup,
// skipping records already present. It reports whether anything was added.
func mergeRawRecords(existing []byte, records [][]byte) ([]byte, bool, error) {
	var kept []json.RawMessage
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &kept); err != nil {
			return nil, false, fmt.Errorf("existing backup is not a JSON array: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(kept)+len(records))
	for i, r := range kept {
		c, err := compactJSON(r)
		if err != nil {
			return nil, false, err
		}
		kept[i] = c
		seen[string(c)] = struct{}{}
	}

	added := false
	for _, r := range records {
		c, err := compactJSON(r)
		if err != nil {
			return nil, false, err
		}
		if _, dup := seen[string(c)]; dup {
			continue
		}
		seen[string(c)] = struct{}{}
		kept = append(kept, c)
		added = true
	}
	if !added {
		return existing, false, nil
	}
	data, err := json.Marshal(kept)
	return data, true, err
}

func compactJSON(r []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTransaction(msg json.RawMessage) (Transaction, error) {
	var r transactionRecord
	if err := json.Unmarshal(msg, &r); err != nil {
		return Transaction{}, err
	}
	if r.ID == "" {
		return Transaction{}, fmt.Errorf("missing id")
	}

	txType := TransactionType(r.Type)
	if !txType.Valid() {
		return Transaction{}, fmt.Errorf("unknown type %q", r.Type)
	}
	status := TransactionStatus(r.Status)
	if !status.Valid() {
		return Transaction{}, fmt.Errorf("unknown status %q", r.Status)
	}
	amount, err := parseNumber(r.Amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("amount: %w", err)
	}
	date, err := parseDate(r.Date)
	if err != nil {
		return Transaction{}, fmt.Errorf("date: %w", err)
	}

	return Transaction{
		ID:          TransactionID(r.ID),
		Type:        txType,
		Amount:      amount,
		Description: r.Description,
		Date:        date,
		Status:      status,
		DeliveryID:  r.DeliveryID,
	}, nil
}

// =============================================================================
// BALANCE / EARNINGS / PROCESSED SET
// =============================================================================

func encodeBalance(b Balance) ([]byte, error) {
	return json.Marshal(balanceRecord{
		Available: number(b.Available),
		Pending:   number(b.Pending),
		Total:     number(b.Total),
	})
}

func decodeBalance(data []byte) (Balance, error) {
	var r balanceRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return Balance{}, err
	}
	var (
		b   Balance
		err error
	)
	if b.Available, err = parseNumber(r.Available); err != nil {
		return Balance{}, err
	}
	if b.Pending, err = parseNumber(r.Pending); err != nil {
		return Balance{}, err
	}
	if b.Total, err = parseNumber(r.Total); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func encodeEarnings(e EarningsSummary) ([]byte, error) {
	return json.Marshal(earningsRecord{
		Today:           number(e.Today),
		Week:            number(e.Week),
		Month:           number(e.Month),
		DeliveriesToday: e.DeliveriesToday,
		RoutesAccepted:  e.RoutesAccepted,
		RoutesCompleted: e.RoutesCompleted,
	})
}

func decodeEarnings(data []byte) (EarningsSummary, error) {
	var r earningsRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return EarningsSummary{}, err
	}
	e := EarningsSummary{
		DeliveriesToday: r.DeliveriesToday,
		RoutesAccepted:  r.RoutesAccepted,
		RoutesCompleted: r.RoutesCompleted,
	}
	var err error
	if e.Today, err = parseNumber(r.Today); err != nil {
		return EarningsSummary{}, err
	}
	if e.Week, err = parseNumber(r.Week); err != nil {
		return EarningsSummary{}, err
	}
	if e.Month, err = parseNumber(r.Month); err != nil {
		return EarningsSummary{}, err
	}
	return e, nil
}

func encodeIDs(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

func decodeIDs(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
