// Package explain turns an anomaly score into ranked, human-readable factors.
package explain

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// GenericText is the sentence used when no single feature is material.
const GenericText = "broad multi-factor deviation from the historical baseline"

// Generator builds explanations from per-feature isolation depths.
type Generator struct {
	// TopK caps the number of factors reported.
	TopK int

	// Materiality is the minimum contribution a factor needs to be reported.
	Materiality float64
}

// NewGenerator creates a generator from detection settings.
func NewGenerator(cfg domain.DetectionConfig) *Generator {
	g := &Generator{TopK: cfg.ExplanationTopK, Materiality: cfg.MaterialityThreshold}
	if g.TopK <= 0 {
		g.TopK = 3
	}
	if g.Materiality < 0 {
		g.Materiality = 0
	}
	return g
}

// Explain ranks the features of v by how much easier they were to isolate
// than the typical training point, using the snapshot that produced score.
func (g *Generator) Explain(v *domain.FeatureVector, score *domain.AnomalyScore, snap *scoring.Snapshot) (*domain.Explanation, error) {
	if v == nil || score == nil || snap == nil {
		return nil, fmt.Errorf("%w: vector, score and snapshot are required", domain.ErrInvalidInput)
	}
	if score.ModelID != snap.ID {
		return nil, fmt.Errorf("score model %s, snapshot %s: %w", score.ModelID, snap.ID, domain.ErrRunMismatch)
	}
	if score.TransactionID != v.TransactionID {
		return nil, fmt.Errorf("score transaction %s, vector %s: %w", score.TransactionID, v.TransactionID, domain.ErrRunMismatch)
	}

	exp := &domain.Explanation{
		ID:            uuid.New().String(),
		TenantID:      score.TenantID,
		TransactionID: score.TransactionID,
		ScoreID:       score.ID,
		ModelID:       score.ModelID,
		CreatedAt:     time.Now().UTC(),
	}

	ranked := Contributions(v, snap)
	for _, f := range ranked {
		if len(exp.Factors) == g.TopK {
			break
		}
		if f.Contribution < g.Materiality || f.Contribution == 0 {
			break
		}
		f.Text = Describe(f.Feature, v)
		exp.Factors = append(exp.Factors, f)
	}

	if len(exp.Factors) == 0 {
		exp.Generic = true
		exp.Factors = []domain.Factor{{Feature: domain.FeatureMultiFactor, Text: GenericText}}
	}
	return exp, nil
}

// Contributions returns every feature's contribution in descending order.
// Ties keep feature declaration order. Texts are left empty.
func Contributions(v *domain.FeatureVector, snap *scoring.Snapshot) []domain.Factor {
	values := v.Values()
	out := make([]domain.Factor, len(domain.FeatureNames))
	for i, name := range domain.FeatureNames {
		out[i] = domain.Factor{Feature: name, Contribution: contribution(snap, i, values[i])}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Contribution > out[j].Contribution
	})
	return out
}

// contribution is how far below the median training depth the value isolates,
// as a fraction of that median.
func contribution(snap *scoring.Snapshot, feature int, value float64) float64 {
	median := snap.MedianDepth(feature)
	if median <= 0 {
		return 0
	}
	c := (median - snap.FeatureDepth(feature, value)) / median
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(0, math.Min(1, c))
}
