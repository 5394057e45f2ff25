// Package features converts transactions into fixed-width feature vectors.
//
// Extraction is pure: the same transaction and historical context always
// produce the same vector. The caller assembles the context.
package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// FrequencyWindow is the trailing window for frequency_last_30d.
const FrequencyWindow = 30 * 24 * time.Hour

// HistoricalContext is everything Extract may look at besides the transaction.
type HistoricalContext struct {
	// PayerHistory holds the payer's transactions inside the lookback window.
	// Entries at or after the scored transaction are ignored.
	PayerHistory []*domain.Transaction

	// Global is the tenant-wide baseline used when payer history is thin.
	Global *Baseline
}

// Baseline summarizes a reference set of transactions.
type Baseline struct {
	Count          int            `json:"count"`
	MeanAmount     float64        `json:"meanAmount"`
	StdAmount      float64        `json:"stdAmount"`
	CategoryCounts map[string]int `json:"categoryCounts"`
	PayeeCounts    map[string]int `json:"payeeCounts"`
}

// ComputeBaseline builds a Baseline over txns.
func ComputeBaseline(txns []*domain.Transaction) *Baseline {
	b := &Baseline{
		Count:          len(txns),
		CategoryCounts: make(map[string]int),
		PayeeCounts:    make(map[string]int),
	}
	if len(txns) == 0 {
		return b
	}

	// Running mean and squared deviations; a plain sum overflows long
	// before the mean does.
	var mean, m2 float64
	for i, tx := range txns {
		d := tx.Amount - mean
		mean += d / float64(i+1)
		m2 += d * (tx.Amount - mean)
		b.CategoryCounts[tx.Category]++
		b.PayeeCounts[tx.Payee]++
	}
	b.MeanAmount = mean
	b.StdAmount = math.Sqrt(m2 / float64(len(txns)))
	return b
}

// Extractor computes feature vectors.
type Extractor struct {
	// MinPayerHistory is the payer history size below which the global
	// baseline is used and the vector is marked low-confidence.
	MinPayerHistory int

	// Lookback bounds the payer history considered.
	Lookback time.Duration
}

// NewExtractor creates an extractor from detection settings.
func NewExtractor(cfg domain.DetectionConfig) *Extractor {
	e := &Extractor{
		MinPayerHistory: cfg.MinPayerHistory,
		Lookback:        cfg.Lookback,
	}
	if e.MinPayerHistory <= 0 {
		e.MinPayerHistory = 5
	}
	if e.Lookback <= 0 {
		e.Lookback = 90 * 24 * time.Hour
	}
	return e
}

// Extract computes the feature vector for tx.
//
// When the payer has fewer than MinPayerHistory prior transactions the
// vector is computed against hc.Global, LowConfidence is set, and the
// returned error wraps domain.ErrInsufficientHistory. The vector is
// non-nil in that case and safe to score. ComputedAt is left for the caller.
func (e *Extractor) Extract(tx *domain.Transaction, hc *HistoricalContext) (*domain.FeatureVector, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction is required", domain.ErrInvalidInput)
	}
	if hc == nil {
		hc = &HistoricalContext{}
	}

	prior := e.priorHistory(tx, hc.PayerHistory)

	v := &domain.FeatureVector{
		TransactionID:     tx.ID,
		Amount:            tx.Amount,
		FrequencyLast30d:  float64(countSince(prior, tx.Timestamp.Add(-FrequencyWindow))),
		TimeOfDayBucket:   float64(tx.Timestamp.UTC().Hour() / 4),
		PayerHistoryCount: len(prior),
	}

	ref := ComputeBaseline(prior)
	var insufficient bool
	if len(prior) < e.MinPayerHistory {
		insufficient = true
		v.LowConfidence = true
		if hc.Global != nil && hc.Global.Count > 0 {
			ref = hc.Global
		}
	}

	v.PayerTypicalAmount = ref.MeanAmount
	v.AmountZScore = zscore(tx.Amount, ref)
	v.CategoryRarity = rarity(ref.CategoryCounts[tx.Category], ref.Count)
	v.PayeeNovelty = 1 / (1 + float64(ref.PayeeCounts[tx.Payee]))

	if insufficient {
		return v, fmt.Errorf("payer %s has %d prior transactions, need %d: %w",
			tx.Payer, len(prior), e.MinPayerHistory, domain.ErrInsufficientHistory)
	}
	return v, nil
}

// priorHistory keeps entries strictly before tx within the lookback window.
func (e *Extractor) priorHistory(tx *domain.Transaction, history []*domain.Transaction) []*domain.Transaction {
	since := tx.Timestamp.Add(-e.Lookback)
	out := make([]*domain.Transaction, 0, len(history))
	for _, h := range history {
		if h == nil || h.ID == tx.ID {
			continue
		}
		if !h.Timestamp.Before(tx.Timestamp) || h.Timestamp.Before(since) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// BuildWindow recomputes vectors for every transaction in txns, each
// against the transactions preceding it. Vectors are returned in
// timestamp order; low-confidence vectors are included.
func (e *Extractor) BuildWindow(txns []*domain.Transaction) []*domain.FeatureVector {
	sorted := make([]*domain.Transaction, len(txns))
	copy(sorted, txns)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	global := ComputeBaseline(sorted)
	byPayer := make(map[string][]*domain.Transaction)
	out := make([]*domain.FeatureVector, 0, len(sorted))

	for _, tx := range sorted {
		hist := byPayer[tx.Payer]
		v, _ := e.Extract(tx, &HistoricalContext{PayerHistory: hist, Global: global})
		out = append(out, v)
		byPayer[tx.Payer] = append(hist, tx)
	}
	return out
}

// Extract computes a vector with the default extractor settings.
func Extract(tx *domain.Transaction, hc *HistoricalContext) (*domain.FeatureVector, error) {
	return NewExtractor(domain.DefaultDetectionConfig()).Extract(tx, hc)
}

// zscore uses a floor on the scale so a payer with constant amounts
// does not turn cent-level noise into huge deviations.
func zscore(amount float64, b *Baseline) float64 {
	if b == nil || b.Count == 0 {
		return 0
	}
	scale := math.Max(b.StdAmount, math.Max(1, 0.05*math.Abs(b.MeanAmount)))
	return (amount - b.MeanAmount) / scale
}

func rarity(count, total int) float64 {
	if total == 0 {
		return 1
	}
	return 1 - float64(count)/float64(total)
}

func countSince(txns []*domain.Transaction, since time.Time) int {
	n := 0
	for _, tx := range txns {
		if !tx.Timestamp.Before(since) {
			n++
		}
	}
	return n
}
