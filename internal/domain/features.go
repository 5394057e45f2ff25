package domain

import "time"

// Feature names in declaration order. Model dimensions, explanation
// tie-breaks and CEL variables all follow this order.
const (
	FeatureAmountZScore    = "amount_zscore"
	FeatureFrequency30d    = "frequency_last_30d"
	FeatureCategoryRarity  = "category_rarity"
	FeaturePayeeNovelty    = "payee_novelty"
	FeatureTimeOfDayBucket = "time_of_day_bucket"
)

// FeatureNames lists every model feature in declaration order.
var FeatureNames = []string{
	FeatureAmountZScore,
	FeatureFrequency30d,
	FeatureCategoryRarity,
	FeaturePayeeNovelty,
	FeatureTimeOfDayBucket,
}

// FeatureVector is the fixed-width numeric representation of a transaction.
type FeatureVector struct {
	TransactionID string `json:"transactionId"`

	AmountZScore     float64 `json:"amountZScore"`
	FrequencyLast30d float64 `json:"frequencyLast30d"`
	CategoryRarity   float64 `json:"categoryRarity"`
	PayeeNovelty     float64 `json:"payeeNovelty"`
	TimeOfDayBucket  float64 `json:"timeOfDayBucket"`

	// LowConfidence is set when the vector was computed against the
	// global baseline instead of the payer's own history.
	LowConfidence bool `json:"lowConfidence"`

	// Raw amount and baseline summary used by explanation text
	Amount             float64 `json:"amount"`
	PayerHistoryCount  int     `json:"payerHistoryCount"`
	PayerTypicalAmount float64 `json:"payerTypicalAmount"`

	ComputedAt time.Time `json:"computedAt"`
}

// Values returns the feature values in declaration order.
func (v *FeatureVector) Values() []float64 {
	return []float64{
		v.AmountZScore,
		v.FrequencyLast30d,
		v.CategoryRarity,
		v.PayeeNovelty,
		v.TimeOfDayBucket,
	}
}

// Value returns a single feature by name.
func (v *FeatureVector) Value(name string) (float64, bool) {
	for i, n := range FeatureNames {
		if n == name {
			return v.Values()[i], true
		}
	}
	return 0, false
}
