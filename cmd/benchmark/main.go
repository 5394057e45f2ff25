// Benchmark measures how well a running Kestrel separates labeled
// anomalies from normal ledger rows.
//
// Usage:
//
//	go run ./cmd/benchmark --url http://localhost:8080
//	go run ./cmd/benchmark --csv ledger.csv --label is_anomaly
//
// Without --csv a synthetic ledger is generated. The first --warmup rows
// are sent as one batch so the tenant's model can fit; every later row is
// scored individually and its outcome compared with its label.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
)

type options struct {
	csvPath     string
	label       string
	baseURL     string
	tenantID    string
	workers     int
	warmup      int
	rows        int
	anomalyRate float64
	seed        uint64
	verbose     bool
}

// labeled is one ledger row with its ground truth.
type labeled struct {
	Request   domain.TransactionRequest
	Anomalous bool
}

// submitResponse is the subset of the API response the benchmark reads.
type submitResponse struct {
	Status string `json:"status"`
	Score  *struct {
		PercentileRank float64 `json:"percentileRank"`
	} `json:"score"`
	Explanation *domain.Explanation `json:"explanation"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // anomaly flagged
	FalsePositives int64 // normal row flagged
	TrueNegatives  int64 // normal row scored
	FalseNegatives int64 // anomaly scored without a flag

	TotalProcessed int64
	TotalAnomalous int64
	TotalNormal    int64
	TotalQueued    int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:          "benchmark",
		Short:        "Score a labeled ledger against a running Kestrel",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.csvPath, "csv", "", "labeled CSV ledger (default: generate one)")
	f.StringVar(&opts.label, "label", "is_anomaly", "label column; 1, true or yes marks an anomaly")
	f.StringVar(&opts.baseURL, "url", "http://localhost:8080", "Kestrel base URL")
	f.StringVar(&opts.tenantID, "tenant", "benchmark", "tenant ID for requests")
	f.IntVar(&opts.workers, "workers", 10, "concurrent requests")
	f.IntVar(&opts.warmup, "warmup", 200, "rows sent as the training batch before measuring")
	f.IntVar(&opts.rows, "rows", 2000, "rows to generate when --csv is not set")
	f.Float64Var(&opts.anomalyRate, "anomaly-rate", 0.03, "anomaly share when generating")
	f.Uint64Var(&opts.seed, "seed", 42, "generator seed")
	f.BoolVar(&opts.verbose, "verbose", false, "print each transaction result")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(out io.Writer, opts options) error {
	fmt.Fprintln(out, "KESTREL BENCHMARK - labeled anomaly detection")
	fmt.Fprintf(out, "\nKestrel URL: %s\n", opts.baseURL)
	fmt.Fprintf(out, "Tenant ID:   %s\n", opts.tenantID)
	fmt.Fprintf(out, "Workers:     %d\n", opts.workers)
	fmt.Fprintf(out, "Warm-up:     %d\n\n", opts.warmup)

	if err := checkHealth(opts.baseURL); err != nil {
		return fmt.Errorf("kestrel not reachable at %s (start it with `kestrel serve`): %w", opts.baseURL, err)
	}
	fmt.Fprintln(out, "Kestrel is healthy")

	rows, err := loadLedger(opts)
	if err != nil {
		return err
	}
	if len(rows) <= opts.warmup {
		return fmt.Errorf("need more than %d rows, got %d", opts.warmup, len(rows))
	}
	fmt.Fprintf(out, "Loaded %d transactions\n", len(rows))

	client := &http.Client{Timeout: 30 * time.Second}
	if err := warm(client, opts, rows[:opts.warmup]); err != nil {
		return fmt.Errorf("warm-up: %w", err)
	}
	fmt.Fprintf(out, "Model fitted on %d warm-up rows\n\n", opts.warmup)

	start := time.Now()
	m := runBenchmark(out, client, opts, rows[opts.warmup:])
	printResults(out, m, time.Since(start))
	return nil
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// loadLedger parses the ledger with the same column detection as
// `kestrel ingest` and joins each transaction to its label by ID.
func loadLedger(opts options) ([]labeled, error) {
	var raw []byte
	if opts.csvPath == "" {
		var buf bytes.Buffer
		if _, err := ingest.Generate(&buf, ingest.GenerateOptions{
			Rows:        opts.rows,
			AnomalyRate: opts.anomalyRate,
			Seed:        opts.seed,
			LabelColumn: opts.label,
		}); err != nil {
			return nil, err
		}
		raw = buf.Bytes()
	} else {
		data, err := os.ReadFile(opts.csvPath)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	res, err := ingest.Read(bytes.NewReader(raw), opts.tenantID, ingest.Options{})
	if err != nil {
		return nil, err
	}
	idCol, ok := res.Mapping.Column(ingest.FieldID)
	if !ok {
		return nil, errors.New("ledger needs a transaction id column to join labels")
	}
	labelCol := -1
	for i, h := range res.Header {
		if strings.EqualFold(strings.TrimSpace(h), opts.label) {
			labelCol = i
		}
	}
	if labelCol < 0 {
		return nil, fmt.Errorf("label column %q not in header %v", opts.label, res.Header)
	}

	labels, err := readLabels(raw, idCol, labelCol)
	if err != nil {
		return nil, err
	}

	rows := make([]labeled, 0, len(res.Transactions))
	for _, tx := range res.Transactions {
		rows = append(rows, labeled{
			Request: domain.TransactionRequest{
				ID:        tx.ID,
				Timestamp: tx.Timestamp,
				Amount:    tx.Amount,
				Payer:     tx.Payer,
				Payee:     tx.Payee,
				Category:  tx.Category,
				Memo:      tx.Memo,
			},
			Anomalous: labels[tx.ID],
		})
	}
	return rows, nil
}

func readLabels(raw []byte, idCol, labelCol int) (map[string]bool, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	labels := make(map[string]bool)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil || idCol >= len(rec) || labelCol >= len(rec) {
			continue // Skip malformed rows
		}
		switch strings.ToLower(strings.TrimSpace(rec[labelCol])) {
		case "1", "true", "yes":
			labels[strings.TrimSpace(rec[idCol])] = true
		}
	}
	return labels, nil
}

// warm sends the training window as one batch and forces a refit so the
// measured rows are scored against it.
func warm(client *http.Client, opts options, rows []labeled) error {
	batch := make([]domain.TransactionRequest, len(rows))
	for i, r := range rows {
		batch[i] = r.Request
	}
	if _, err := post(client, opts, "/transactions", map[string]any{"transactions": batch}); err != nil {
		return err
	}
	_, err := post(client, opts, "/model/refit", nil)
	return err
}

func runBenchmark(out io.Writer, client *http.Client, opts options, rows []labeled) *Metrics {
	metrics := &Metrics{}

	var bar *progressbar.ProgressBar
	if !opts.verbose {
		bar = progressbar.NewOptions(len(rows),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("Scoring"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		)
	}

	work := make(chan labeled, 100)
	var wg sync.WaitGroup
	var outMu sync.Mutex

	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range work {
				start := time.Now()
				result, err := submit(client, opts, row.Request)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)
				if bar != nil {
					_ = bar.Add(1)
				}

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if opts.verbose {
						outMu.Lock()
						fmt.Fprintf(out, "ERROR: %s -> %v\n", row.Request.ID, err)
						outMu.Unlock()
					}
					continue
				}
				if result.Status == "queued" {
					atomic.AddInt64(&metrics.TotalQueued, 1)
					continue
				}

				if row.Anomalous {
					atomic.AddInt64(&metrics.TotalAnomalous, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNormal, 1)
				}

				predicted := result.Status == "flagged"
				switch {
				case predicted && row.Anomalous:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case row.Anomalous:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				default:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				}

				if opts.verbose {
					mark := "ok "
					if predicted != row.Anomalous {
						mark = "ERR"
					}
					pctl := 0.0
					if result.Score != nil {
						pctl = result.Score.PercentileRank * 100
					}
					why := ""
					if result.Explanation != nil {
						why = strings.Join(result.Explanation.Sentences(), "; ")
					}
					outMu.Lock()
					fmt.Fprintf(out, "%s %-10s | Payee: %-6s | Amount: %12.2f | Anomaly: %-5v | %-7s (%5.1f) | %s\n",
						mark, row.Request.ID, row.Request.Payee, row.Request.Amount, row.Anomalous, result.Status, pctl, why)
					outMu.Unlock()
				}
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)
	wg.Wait()
	if bar != nil {
		_ = bar.Finish()
	}
	return metrics
}

func submit(client *http.Client, opts options, req domain.TransactionRequest) (*submitResponse, error) {
	body, err := post(client, opts, "/transactions", req)
	if err != nil {
		return nil, err
	}
	var result submitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func post(client *http.Client, opts options, path string, payload any) ([]byte, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequest(http.MethodPost, opts.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", opts.tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func printResults(out io.Writer, m *Metrics, duration time.Duration) {
	fmt.Fprintln(out, "\nBENCHMARK RESULTS")

	fmt.Fprintln(out, "\nDataset")
	stats := tablewriter.NewWriter(out)
	stats.SetHeader([]string{"Processed", "Anomalous", "Normal", "Queued", "Errors"})
	stats.Append([]string{
		fmt.Sprint(m.TotalProcessed), fmt.Sprint(m.TotalAnomalous), fmt.Sprint(m.TotalNormal),
		fmt.Sprint(m.TotalQueued), fmt.Sprint(m.TotalErrors),
	})
	stats.Render()

	fmt.Fprintln(out, "\nConfusion matrix")
	matrix := tablewriter.NewWriter(out)
	matrix.SetHeader([]string{"Actual \\ Predicted", "Flagged", "Not flagged"})
	matrix.Append([]string{"Anomaly", fmt.Sprint(m.TruePositives), fmt.Sprint(m.FalseNegatives)})
	matrix.Append([]string{"Normal", fmt.Sprint(m.FalsePositives), fmt.Sprint(m.TrueNegatives)})
	matrix.Render()

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	accuracy := ratio(m.TruePositives+m.TrueNegatives, m.TruePositives+m.TrueNegatives+m.FalsePositives+m.FalseNegatives)

	fmt.Fprintln(out, "\nDetection")
	det := tablewriter.NewWriter(out)
	det.SetHeader([]string{"Metric", "Value", "Meaning"})
	det.Append([]string{"Precision", fmt.Sprintf("%.4f", precision), "flagged rows that were anomalies"})
	det.Append([]string{"Recall", fmt.Sprintf("%.4f", recall), "anomalies that were flagged"})
	det.Append([]string{"F1", fmt.Sprintf("%.4f", f1), "harmonic mean of precision and recall"})
	det.Append([]string{"Accuracy", fmt.Sprintf("%.4f", accuracy), "rows classified correctly"})
	det.Append([]string{"Flag rate", fmt.Sprintf("%.4f", ratio(m.TruePositives+m.FalsePositives, m.TotalAnomalous+m.TotalNormal)), "share of rows sent to review"})
	det.Render()

	fmt.Fprintln(out, "\nPerformance")
	fmt.Fprintf(out, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Fprintf(out, "   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Fprintf(out, "   Throughput:       %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Fprintln(out)
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
