// Package ingest parses delimited ledger files into transactions.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
)

// Column aliases, matched case-insensitively after trimming.
var (
	senderColumns   = []string{"sender_id", "sender", "source"}
	receiverColumns = []string{"receiver_id", "receiver", "target"}
	amountColumns   = []string{"amount"}
	timeColumns     = []string{"timestamp"}
	idColumns       = []string{"transaction_id", "tx_id", "id"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ParseResult holds the parsed rows of one file.
type ParseResult struct {
	Transactions []domain.Transaction
	Rejected     []domain.RejectedRecord
}

type columns struct {
	sender, receiver, amount, timestamp, id int
}

// ParseCSV reads a ledger with a header row. A file missing a required
// column is rejected as a whole with ErrMissingColumns; bad rows are
// rejected individually with their one-based data row number.
func ParseCSV(r io.Reader) (*ParseResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", domain.ErrMissingColumns)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	result := &ParseResult{
		Transactions: make([]domain.Transaction, 0),
		Rejected:     make([]domain.RejectedRecord, 0),
	}

	for row := 1; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				result.Rejected = append(result.Rejected, domain.RejectedRecord{Index: row, Reason: perr.Err.Error()})
				continue
			}
			return nil, fmt.Errorf("failed to read row %d: %w", row, err)
		}
		if isBlank(record) {
			continue
		}

		tx, reason := parseRow(record, cols, row)
		if reason != "" {
			result.Rejected = append(result.Rejected, domain.RejectedRecord{
				Index:         row,
				TransactionID: tx.ID,
				Reason:        reason,
			})
			continue
		}
		result.Transactions = append(result.Transactions, tx)
	}

	return result, nil
}

func mapColumns(header []string) (columns, error) {
	index := make(map[string]int, len(header))
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}

	find := func(aliases []string) int {
		for _, a := range aliases {
			if i, ok := index[a]; ok {
				return i
			}
		}
		return -1
	}

	cols := columns{
		sender:    find(senderColumns),
		receiver:  find(receiverColumns),
		amount:    find(amountColumns),
		timestamp: find(timeColumns),
		id:        find(idColumns),
	}

	var missing []string
	if cols.sender < 0 {
		missing = append(missing, senderColumns[0])
	}
	if cols.receiver < 0 {
		missing = append(missing, receiverColumns[0])
	}
	if cols.amount < 0 {
		missing = append(missing, amountColumns[0])
	}
	if cols.timestamp < 0 {
		missing = append(missing, timeColumns[0])
	}
	if len(missing) > 0 {
		return cols, fmt.Errorf("%w: %s", domain.ErrMissingColumns, strings.Join(missing, ", "))
	}
	return cols, nil
}

func parseRow(record []string, cols columns, row int) (domain.Transaction, string) {
	field := func(i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	tx := domain.Transaction{
		ID:       field(cols.id),
		Sender:   field(cols.sender),
		Receiver: field(cols.receiver),
	}
	if tx.ID == "" {
		tx.ID = fmt.Sprintf("TX_%d", row)
	}

	need := max(cols.sender, cols.receiver, cols.amount, cols.timestamp) + 1
	if len(record) < need {
		return tx, fmt.Sprintf("expected at least %d fields, got %d", need, len(record))
	}

	amount, err := decimal.NewFromString(field(cols.amount))
	if err != nil {
		return tx, fmt.Sprintf("invalid amount %q", field(cols.amount))
	}
	tx.Amount = amount.Round(2).InexactFloat64()

	ts, err := ParseTimestamp(field(cols.timestamp))
	if err != nil {
		return tx, err.Error()
	}
	tx.Timestamp = ts

	return tx, graph.Validate(tx)
}

// ParseTimestamp accepts RFC 3339, common datetime layouts without a zone
// (read as UTC) and integer Unix seconds.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// WriteCSV writes transactions with the canonical header.
func WriteCSV(w io.Writer, txs []domain.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"transaction_id", "sender_id", "receiver_id", "amount", "timestamp"}); err != nil {
		return err
	}
	for _, tx := range txs {
		err := cw.Write([]string{
			tx.ID,
			tx.Sender,
			tx.Receiver,
			strconv.FormatFloat(tx.Amount, 'f', 2, 64),
			tx.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
