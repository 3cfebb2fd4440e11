package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/graph"
	"github.com/opensource-finance/heron/internal/ingest"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("timestamp", validateTimestamp)
	return v
}

func validateTimestamp(fl validator.FieldLevel) bool {
	_, err := ingest.ParseTimestamp(fl.Field().String())
	return err == nil
}

// formatValidationError turns the first field error into a rejection reason.
func formatValidationError(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return err.Error()
	}

	fe := validationErrors[0]
	switch fe.Tag() {
	case "required":
		return "missing " + strings.ReplaceAll(fe.Field(), "_", " ")
	case "gte":
		if fe.Param() == "0" {
			return fe.Field() + " is negative"
		}
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "timestamp":
		return fmt.Sprintf("invalid timestamp %q", fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// decodeTransactions validates each raw record on its own. Rejected indexes
// are one-based positions in raw.
func (h *Handler) decodeTransactions(raw []json.RawMessage) ([]domain.Transaction, []domain.RejectedRecord) {
	txs := make([]domain.Transaction, 0, len(raw))
	rejected := make([]domain.RejectedRecord, 0)

	for i, msg := range raw {
		index := i + 1

		var in domain.TransactionInput
		if err := json.Unmarshal(msg, &in); err != nil {
			rejected = append(rejected, domain.RejectedRecord{Index: index, Reason: "invalid record: " + err.Error()})
			continue
		}
		if err := h.validate.Struct(&in); err != nil {
			rejected = append(rejected, domain.RejectedRecord{
				Index:         index,
				TransactionID: in.TransactionID,
				Reason:        formatValidationError(err),
			})
			continue
		}

		ts, _ := ingest.ParseTimestamp(in.Timestamp)
		tx := domain.Transaction{
			ID:        in.TransactionID,
			Sender:    strings.TrimSpace(in.Sender),
			Receiver:  strings.TrimSpace(in.Receiver),
			Amount:    *in.Amount,
			Timestamp: ts,
		}
		if tx.ID == "" {
			tx.ID = fmt.Sprintf("TX_%d", index)
		}
		if reason := graph.Validate(tx); reason != "" {
			rejected = append(rejected, domain.RejectedRecord{Index: index, TransactionID: tx.ID, Reason: reason})
			continue
		}
		txs = append(txs, tx)
	}

	return txs, rejected
}
