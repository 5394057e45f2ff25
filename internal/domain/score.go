package domain

import "time"

// AnomalyScore is the output of one scoring run for one transaction.
// Rescoring creates a new record; prior scores are kept.
type AnomalyScore struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	TransactionID  string    `json:"transactionId"`
	ModelID        string    `json:"modelId"`
	Score          float64   `json:"score"`          // normalized, 0..1
	PercentileRank float64   `json:"percentileRank"` // 0..1 against the training window
	LowConfidence  bool      `json:"lowConfidence"`
	ScoredAt       time.Time `json:"scoredAt"`
}

// Factor is one feature's share of an anomaly, rendered for reviewers.
type Factor struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
	Text         string  `json:"text"`
}

// FeatureMultiFactor names the generic factor used when no single feature is material.
const FeatureMultiFactor = "multi_factor"

// Explanation ranks the factors behind one AnomalyScore.
type Explanation struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	TransactionID string    `json:"transactionId"`
	ScoreID       string    `json:"scoreId"`
	ModelID       string    `json:"modelId"`
	Factors       []Factor  `json:"factors"`
	Generic       bool      `json:"generic"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Sentences returns the factor texts in rank order.
func (e *Explanation) Sentences() []string {
	out := make([]string, 0, len(e.Factors))
	for _, f := range e.Factors {
		out = append(out, f.Text)
	}
	return out
}

// ModelRun records one model fit.
type ModelRun struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	FittedAt     time.Time `json:"fittedAt"`
	TrainingSize int       `json:"trainingSize"`
	Trees        int       `json:"trees"`
	SampleSize   int       `json:"sampleSize"`
	Seed         uint64    `json:"seed"`
}

// SameRun reports an error unless the score and explanation come from one scoring run.
func SameRun(score *AnomalyScore, exp *Explanation) error {
	if score == nil || exp == nil {
		return ErrRunMismatch
	}
	if exp.ScoreID != score.ID || exp.ModelID != score.ModelID || exp.TransactionID != score.TransactionID {
		return ErrRunMismatch
	}
	return nil
}
