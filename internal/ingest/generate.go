package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"time"
)

// GenerateOptions shapes a synthetic ledger.
type GenerateOptions struct {
	Rows        int
	AnomalyRate float64
	Seed        uint64
	// End is the latest timestamp; rows spread over the year before it.
	End time.Time
	// LabelColumn, when set, appends a column holding 1 for anomalous
	// rows and 0 otherwise.
	LabelColumn string
}

var (
	genCategories        = []string{"Supplies", "Services", "Equipment", "Travel", "Utilities"}
	genAnomalyCategories = []string{"Consulting", "Misc", "Supplies"}
	genDepartments       = []string{"Finance", "HR", "IT", "Operations", "Marketing"}
	genMethods           = []string{"Check", "Wire", "ACH", "Credit Card"}
)

// GenerateHeader is the column layout Generate writes.
var GenerateHeader = []string{"transaction_id", "date", "amount", "department", "vendor", "category", "description"}

// Generate writes a synthetic ledger with embedded anomalies: very large
// or tiny amounts paid to unseen vendors, skewed toward weekends. The
// same options always produce the same file. It returns the number of
// anomalous rows written.
func Generate(w io.Writer, opts GenerateOptions) (int, error) {
	if opts.Rows <= 0 {
		return 0, fmt.Errorf("rows must be positive, got %d", opts.Rows)
	}
	if opts.AnomalyRate < 0 || opts.AnomalyRate > 1 {
		return 0, fmt.Errorf("anomaly rate must be in [0, 1], got %v", opts.AnomalyRate)
	}
	end := opts.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	end = end.Truncate(time.Minute)

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	nAnomalies := int(float64(opts.Rows) * opts.AnomalyRate)

	header := GenerateHeader
	if opts.LabelColumn != "" {
		header = append(append([]string(nil), GenerateHeader...), opts.LabelColumn)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return 0, err
	}

	// Anomalous rows are interleaved by a shuffled permutation.
	anomalous := make(map[int]bool, nAnomalies)
	for _, i := range rng.Perm(opts.Rows)[:nAnomalies] {
		anomalous[i] = true
	}

	for i := 0; i < opts.Rows; i++ {
		var rec []string
		if anomalous[i] {
			rec = anomalyRow(rng, i, end)
		} else {
			rec = normalRow(rng, i, end)
		}
		if opts.LabelColumn != "" {
			label := "0"
			if anomalous[i] {
				label = "1"
			}
			rec = append(rec, label)
		}
		if err := cw.Write(rec); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return nAnomalies, cw.Error()
}

func normalRow(rng *rand.Rand, i int, end time.Time) []string {
	ts := randomTime(rng, end, 0.2)
	amount := math.Exp(6 + rng.NormFloat64())
	method := weighted(rng, genMethods, []float64{0.3, 0.2, 0.4, 0.1})
	return []string{
		fmt.Sprintf("TXN%06d", i),
		ts.Format(time.RFC3339),
		strconv.FormatFloat(round2(amount), 'f', 2, 64),
		pick(rng, genDepartments),
		fmt.Sprintf("V%03d", 1+rng.IntN(100)),
		pick(rng, genCategories),
		method + " payment",
	}
}

func anomalyRow(rng *rand.Rand, i int, end time.Time) []string {
	ts := randomTime(rng, end, 0.7)
	var amount float64
	if rng.IntN(2) == 0 {
		amount = math.Exp(10 + 1.5*rng.NormFloat64())
	} else {
		amount = 0.01 + rng.Float64()*10
	}
	method := weighted(rng, []string{"Wire", "Check"}, []float64{0.7, 0.3})
	return []string{
		fmt.Sprintf("TXN%06d", i),
		ts.Format(time.RFC3339),
		strconv.FormatFloat(round2(amount), 'f', 2, 64),
		pick(rng, genDepartments),
		fmt.Sprintf("V%03d", 900+rng.IntN(100)),
		pick(rng, genAnomalyCategories),
		method + " payment",
	}
}

// randomTime picks a business-hours time in the year before end, landing
// on a weekend with probability weekend.
func randomTime(rng *rand.Rand, end time.Time, weekend float64) time.Time {
	day := end.AddDate(0, 0, -1-rng.IntN(365))
	wantWeekend := rng.Float64() < weekend
	for isWeekend(day) != wantWeekend {
		day = day.AddDate(0, 0, -1)
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, 8+rng.IntN(10), rng.IntN(60), 0, 0, time.UTC)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func pick(rng *rand.Rand, from []string) string {
	return from[rng.IntN(len(from))]
}

func weighted(rng *rand.Rand, from []string, weights []float64) string {
	r := rng.Float64()
	for i, w := range weights {
		if r < w {
			return from[i]
		}
		r -= w
	}
	return from[len(from)-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
