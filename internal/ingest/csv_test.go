package ingest

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

func parse(t *testing.T, input string) *ParseResult {
	t.Helper()
	res, err := ParseCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return res
}

func TestParseCSV(t *testing.T) {
	res := parse(t, strings.Join([]string{
		"transaction_id,sender_id,receiver_id,amount,timestamp",
		"TX_1,ACC_001,ACC_002,950.555,2025-01-01 10:00:00",
		"TX_2,ACC_002,ACC_003,100,2025-01-01T10:05:00Z",
		",ACC_003,ACC_001,42.10,1735725900",
		"TX_4,ACC_003,ACC_004,abc,2025-01-01 10:00:00",
		"TX_5,ACC_003,ACC_004,10,yesterday",
		"TX_6,ACC_003",
		",,,,",
		"TX_8,ACC_004,ACC_001,5,2025-01-01 10:20:00.250",
	}, "\n"))

	if len(res.Transactions) != 4 {
		t.Fatalf("expected 4 transactions, got %d", len(res.Transactions))
	}
	first := res.Transactions[0]
	if first.ID != "TX_1" || first.Sender != "ACC_001" || first.Receiver != "ACC_002" {
		t.Errorf("unexpected first transaction %+v", first)
	}
	if first.Amount != 950.56 {
		t.Errorf("expected amount rounded to 950.56, got %v", first.Amount)
	}
	if want := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC); !first.Timestamp.Equal(want) {
		t.Errorf("expected %v, got %v", want, first.Timestamp)
	}

	third := res.Transactions[2]
	if third.ID != "TX_3" {
		t.Errorf("expected generated id TX_3, got %s", third.ID)
	}
	if want := time.Unix(1735725900, 0).UTC(); !third.Timestamp.Equal(want) {
		t.Errorf("expected epoch timestamp %v, got %v", want, third.Timestamp)
	}
	if ns := res.Transactions[3].Timestamp.Nanosecond(); time.Duration(ns) != 250*time.Millisecond {
		t.Errorf("expected 250ms fraction, got %dns", ns)
	}

	if len(res.Rejected) != 3 {
		t.Fatalf("expected 3 rejected records, got %+v", res.Rejected)
	}
	if r := res.Rejected[0]; r.Index != 4 || r.TransactionID != "TX_4" || !strings.Contains(r.Reason, "amount") {
		t.Errorf("unexpected amount rejection %+v", r)
	}
	if !strings.Contains(res.Rejected[1].Reason, "timestamp") {
		t.Errorf("expected timestamp rejection, got %q", res.Rejected[1].Reason)
	}
	if res.Rejected[2].Index != 6 {
		t.Errorf("expected short row at index 6, got %d", res.Rejected[2].Index)
	}
	for _, r := range res.Rejected {
		if !errors.Is(r, domain.ErrMalformedRecord) {
			t.Errorf("row %d: expected ErrMalformedRecord", r.Index)
		}
	}
}

func TestParseCSV_ColumnAliases(t *testing.T) {
	res := parse(t, "\ufeffTimestamp, Amount ,Target,Source\n2025-01-01T00:00:00Z,10,B,A\n")
	if len(res.Transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(res.Transactions))
	}
	got := res.Transactions[0]
	if got.Sender != "A" || got.Receiver != "B" || got.ID != "TX_1" {
		t.Errorf("unexpected transaction %+v", got)
	}
}

func TestParseCSV_MissingColumns(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"NoAmount", "sender_id,receiver_id,timestamp\nA,B,2025-01-01T00:00:00Z\n", "amount"},
		{"NoReceiverNoTime", "sender_id,amount\nA,1\n", "receiver_id, timestamp"},
		{"Empty", "", "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCSV(strings.NewReader(tt.input))
			if !errors.Is(err, domain.ErrMissingColumns) {
				t.Fatalf("expected ErrMissingColumns, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, err.Error())
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	for _, s := range []string{
		"2025-02-03T04:05:06Z",
		"2025-02-03T06:05:06+02:00",
		"2025-02-03 04:05:06",
		"2025-02-03T04:05:06",
		"1738555506",
	} {
		got, err := ParseTimestamp(s)
		if err != nil {
			t.Errorf("%s: %v", s, err)
			continue
		}
		if !want.Equal(got) {
			t.Errorf("%s parsed as %s", s, got)
		}
		if got.Location() != time.UTC {
			t.Errorf("%s: expected UTC, got %v", s, got.Location())
		}
	}

	for _, s := range []string{"", "03/02/2025"} {
		if _, err := ParseTimestamp(s); err == nil {
			t.Errorf("%q: expected error", s)
		}
	}
}

func TestWriteCSVRoundTrip(t *testing.T) {
	txs := []domain.Transaction{
		{ID: "TX_0001", Sender: "ACC_001", Receiver: "ACC_002", Amount: 12.5, Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "TX_0002", Sender: "ACC_002", Receiver: "ACC_003", Amount: 7500, Timestamp: time.Date(2025, 1, 1, 2, 15, 0, 0, time.UTC)},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, txs); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "transaction_id,sender_id,receiver_id,amount,timestamp\n") {
		t.Errorf("unexpected header in %q", buf.String())
	}

	res, err := ParseCSV(&buf)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(res.Rejected) != 0 {
		t.Errorf("expected no rejected records, got %+v", res.Rejected)
	}
	if !reflect.DeepEqual(res.Transactions, txs) {
		t.Errorf("expected %+v, got %+v", txs, res.Transactions)
	}
}

func TestParseCSV_RecordValidation(t *testing.T) {
	res := parse(t, strings.Join([]string{
		"sender_id,receiver_id,amount,timestamp",
		",ACC_001,5,2025-01-01T00:00:00Z",
		"ACC_001,ACC_002,-3,2025-01-01T00:00:00Z",
		"ACC_001,ACC_001,0,2025-01-01T00:00:00Z",
		"ACC_001,ACC_002,3,2025-01-01T00:00:00Z",
	}, "\n"))

	if len(res.Transactions) != 1 || res.Transactions[0].ID != "TX_4" {
		t.Fatalf("expected only TX_4, got %+v", res.Transactions)
	}
	if len(res.Rejected) != 3 {
		t.Fatalf("expected 3 rejected records, got %+v", res.Rejected)
	}
	if res.Rejected[0].Reason != "missing sender id" {
		t.Errorf("unexpected reason %q", res.Rejected[0].Reason)
	}
	if res.Rejected[1].Reason != "amount is negative" {
		t.Errorf("unexpected reason %q", res.Rejected[1].Reason)
	}
	if res.Rejected[2].Index != 3 {
		t.Errorf("expected zero self-transfer at index 3, got %d", res.Rejected[2].Index)
	}
}
