package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/isolation"
)

// MinTraining is the smallest training window a snapshot is fitted on.
const MinTraining = 10

// featureSeedStride separates the per-feature ensembles' random streams
// from the joint ensemble's.
const featureSeedStride = 1_000_003

// Snapshot is an immutable fitted model. Every field is written once in
// Fit; readers may use a snapshot concurrently without locks.
type Snapshot struct {
	ID           string
	TenantID     string
	FittedAt     time.Time
	TrainingSize int
	Options      isolation.Options

	forest *isolation.Forest

	// One single-dimension ensemble per feature, in declaration order,
	// with the median training depth of each.
	featureForests []*isolation.Forest
	medianDepths   []float64

	// Sorted raw training scores for percentile ranking.
	trainScores []float64
	minRaw      float64
	maxRaw      float64
}

// Fit builds a snapshot from a training window of feature vectors.
func Fit(tenantID string, vectors []*domain.FeatureVector, opts isolation.Options) (*Snapshot, error) {
	if len(vectors) < MinTraining {
		return nil, fmt.Errorf("have %d vectors, need %d: %w", len(vectors), MinTraining, domain.ErrInsufficientTrainingData)
	}

	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		rows[i] = v.Values()
	}

	forest, err := isolation.Fit(rows, opts)
	if err != nil {
		return nil, fmt.Errorf("fit joint ensemble: %w", err)
	}

	s := &Snapshot{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		FittedAt:       time.Now().UTC(),
		TrainingSize:   len(vectors),
		Options:        opts,
		forest:         forest,
		featureForests: make([]*isolation.Forest, len(domain.FeatureNames)),
		medianDepths:   make([]float64, len(domain.FeatureNames)),
		trainScores:    make([]float64, len(rows)),
	}

	for f := range domain.FeatureNames {
		column := make([][]float64, len(rows))
		for i, row := range rows {
			column[i] = []float64{row[f]}
		}
		fopts := opts
		fopts.Seed = opts.Seed + uint64(f+1)*featureSeedStride
		ff, err := isolation.Fit(column, fopts)
		if err != nil {
			return nil, fmt.Errorf("fit %s ensemble: %w", domain.FeatureNames[f], err)
		}
		depths := make([]float64, len(column))
		for i, x := range column {
			depths[i] = ff.PathLength(x)
		}
		s.featureForests[f] = ff
		s.medianDepths[f] = median(depths)
	}

	for i, row := range rows {
		s.trainScores[i] = forest.Score(row)
	}
	sort.Float64s(s.trainScores)
	s.minRaw = s.trainScores[0]
	s.maxRaw = s.trainScores[len(s.trainScores)-1]

	return s, nil
}

// RawScore returns the unnormalized isolation score of a vector.
func (s *Snapshot) RawScore(v *domain.FeatureVector) float64 {
	return s.forest.Score(v.Values())
}

// Normalize maps a raw score onto [0,1] against the training range.
func (s *Snapshot) Normalize(raw float64) float64 {
	if s.maxRaw <= s.minRaw {
		if raw > s.maxRaw {
			return 1
		}
		return 0
	}
	return clamp((raw-s.minRaw)/(s.maxRaw-s.minRaw), 0, 1)
}

// PercentileRank is the fraction of training scores at or below raw.
func (s *Snapshot) PercentileRank(raw float64) float64 {
	n := sort.Search(len(s.trainScores), func(i int) bool { return s.trainScores[i] > raw })
	return float64(n) / float64(len(s.trainScores))
}

// FeatureDepth returns the mean isolation depth of value along one feature.
func (s *Snapshot) FeatureDepth(feature int, value float64) float64 {
	return s.featureForests[feature].PathLength([]float64{value})
}

// MedianDepth returns the median training depth for one feature.
func (s *Snapshot) MedianDepth(feature int) float64 {
	return s.medianDepths[feature]
}

// ModelRun describes the snapshot for persistence.
func (s *Snapshot) ModelRun() *domain.ModelRun {
	return &domain.ModelRun{
		ID:           s.ID,
		TenantID:     s.TenantID,
		FittedAt:     s.FittedAt,
		TrainingSize: s.TrainingSize,
		Trees:        s.forest.Trees(),
		SampleSize:   s.forest.SampleSize(),
		Seed:         s.Options.Seed,
	}
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
