// Package sample generates synthetic ledgers with known laundering patterns.
package sample

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
)

// Options controls the generated ledger.
type Options struct {
	Seed       uint64
	Accounts   int       // default 50
	Background int       // default 200
	Start      time.Time // default now, truncated to the second
}

// Dataset is a generated ledger plus the patterns injected into it.
type Dataset struct {
	Transactions []domain.Transaction
	Mule         string
	Smurfs       []string
	CashoutTo    string
	Cycle        []string
}

const (
	smurfCount    = 8
	cashoutAmount = 7500.00
	cycleAmount   = 5000.00
)

// Generate builds a ledger of random background transfers with one smurfing
// mule that cashes out and one three-account cycle. The same options always
// yield the same dataset.
func Generate(opts Options) Dataset {
	if opts.Accounts < smurfCount+2 {
		opts.Accounts = 50
	}
	if opts.Background <= 0 {
		opts.Background = 200
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().UTC().Truncate(time.Second)
	}
	start := opts.Start.UTC()

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	accounts := make([]string, opts.Accounts)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("ACC_%03d", i)
	}

	txs := make([]domain.Transaction, 0, opts.Background+smurfCount+4)

	// background noise within 24 hours
	for range opts.Background {
		sender := accounts[rng.IntN(len(accounts))]
		receiver := accounts[rng.IntN(len(accounts))]
		for receiver == sender {
			receiver = accounts[rng.IntN(len(accounts))]
		}
		txs = append(txs, domain.Transaction{
			ID:        fmt.Sprintf("TX_%04d", len(txs)),
			Sender:    sender,
			Receiver:  receiver,
			Amount:    amount(rng, 10, 1000),
			Timestamp: start.Add(time.Duration(rng.IntN(86401)) * time.Second),
		})
	}

	// smurfing: many deposits just under a reporting threshold, then one cash-out
	mule := accounts[rng.IntN(len(accounts))]
	smurfs := pick(rng, without(accounts, mule), smurfCount)
	base := start.Add(2 * time.Hour)
	for i, smurf := range smurfs {
		txs = append(txs, domain.Transaction{
			ID:        fmt.Sprintf("TX_SMURF_%d", i),
			Sender:    smurf,
			Receiver:  mule,
			Amount:    amount(rng, 900, 990),
			Timestamp: base.Add(time.Duration(1+rng.IntN(10)) * time.Minute),
		})
	}
	targets := without(accounts, append([]string{mule}, smurfs...)...)
	target := targets[rng.IntN(len(targets))]
	txs = append(txs, domain.Transaction{
		ID:        "TX_MULE_CASHOUT",
		Sender:    mule,
		Receiver:  target,
		Amount:    cashoutAmount,
		Timestamp: base.Add(15 * time.Minute),
	})

	// circular wash A -> B -> C -> A
	cycle := pick(rng, accounts, 3)
	cycleStart := start.Add(4 * time.Hour)
	for i := range cycle {
		txs = append(txs, domain.Transaction{
			ID:        fmt.Sprintf("TX_CYCLE_%d", i),
			Sender:    cycle[i],
			Receiver:  cycle[(i+1)%len(cycle)],
			Amount:    cycleAmount,
			Timestamp: cycleStart.Add(time.Duration(i*5) * time.Minute),
		})
	}

	slices.SortStableFunc(txs, func(a, b domain.Transaction) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	return Dataset{
		Transactions: txs,
		Mule:         mule,
		Smurfs:       smurfs,
		CashoutTo:    target,
		Cycle:        cycle,
	}
}

func amount(rng *rand.Rand, lo, hi float64) float64 {
	v := lo + rng.Float64()*(hi-lo)
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// pick returns k distinct elements of from in random order.
func pick(rng *rand.Rand, from []string, k int) []string {
	pool := slices.Clone(from)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:k]
}

func without(from []string, exclude ...string) []string {
	out := make([]string, 0, len(from))
	for _, a := range from {
		if !slices.Contains(exclude, a) {
			out = append(out, a)
		}
	}
	return out
}
