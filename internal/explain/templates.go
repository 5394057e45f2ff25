package explain

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Describe renders one feature of v as a reviewer-facing sentence.
func Describe(feature string, v *domain.FeatureVector) string {
	subject := "the payer's"
	if v.LowConfidence {
		subject = "the tenant's"
	}

	switch feature {
	case domain.FeatureAmountZScore:
		if v.PayerTypicalAmount > 0 && v.Amount > 0 {
			return fmt.Sprintf("amount is %.1fx %s typical transaction size", v.Amount/v.PayerTypicalAmount, subject)
		}
		return fmt.Sprintf("amount is %.1f standard deviations from %s typical transaction size", math.Abs(v.AmountZScore), subject)

	case domain.FeatureFrequency30d:
		return fmt.Sprintf("payer made %d transactions in the 30 days before this one", int(v.FrequencyLast30d))

	case domain.FeatureCategoryRarity:
		seen := (1 - v.CategoryRarity) * 100
		if seen == 0 {
			return fmt.Sprintf("category has never appeared in %s history", subject)
		}
		return fmt.Sprintf("category is rare in %s history (%.0f%% of prior transactions)", subject, seen)

	case domain.FeaturePayeeNovelty:
		prior := 0
		if v.PayeeNovelty > 0 {
			prior = int(math.Round(1/v.PayeeNovelty)) - 1
		}
		switch prior {
		case 0:
			return "payee has never been paid by this payer before"
		case 1:
			return "payee has been paid only once before"
		default:
			return fmt.Sprintf("payee has been paid only %d times before", prior)
		}

	case domain.FeatureTimeOfDayBucket:
		start := int(v.TimeOfDayBucket) * 4
		return fmt.Sprintf("transaction time %02d:00-%02d:00 UTC is unusual for this payer", start, start+4)
	}
	return fmt.Sprintf("%s deviates from the historical baseline", feature)
}
