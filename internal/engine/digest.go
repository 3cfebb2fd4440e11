package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// Digest fingerprints a ledger together with the analyzer's policy and the
// rules loaded now. See Plan.Digest.
func (a *Analyzer) Digest(records []domain.Transaction) string {
	return a.Plan().Digest(records)
}

// Digest fingerprints a ledger together with the plan's policy. Equal digests
// produce identical reports, apart from processing time, so the digest keys
// the analysis cache. Every string is length-prefixed so no choice of ids
// can shift one field's bytes into another.
func (p *Plan) Digest(records []domain.Transaction) string {
	h := sha256.New()
	fmt.Fprintf(h, "%+v\n", p.a.cfg)

	configs := p.rules.Configs()
	fmt.Fprintf(h, "rules %d\n", len(configs))
	for _, r := range configs {
		WriteField(h, r.ID)
		WriteField(h, r.Version)
		WriteField(h, r.Expression)
		fmt.Fprintf(h, "bands %d\n", len(r.Bands))
		for _, b := range r.Bands {
			WriteField(h, bound(b.LowerLimit))
			WriteField(h, bound(b.UpperLimit))
			WriteField(h, b.SubRuleRef)
			WriteField(h, b.Reason)
		}
	}

	fmt.Fprintf(h, "records %d\n", len(records))
	for _, tx := range records {
		WriteField(h, tx.ID)
		WriteField(h, tx.Sender)
		WriteField(h, tx.Receiver)
		WriteField(h, strconv.FormatFloat(tx.Amount, 'g', -1, 64))
		WriteField(h, tx.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// WriteField writes s as "<len>:<s>" so concatenated fields stay unambiguous.
func WriteField(w io.Writer, s string) {
	fmt.Fprintf(w, "%d:%s", len(s), s)
}

func bound(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}
