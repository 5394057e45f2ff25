//go:build integration

// Package integration drives a running Kestrel end to end over HTTP.
//
// These tests verify the complete review pipeline:
//
//	Transaction → Features → Isolation forest → Explanation → Review queue
//
// Start a server first (`kestrel serve`), then run:
//
//	go test -tags=integration -v ./tests/integration/...
//
// Every run uses a fresh tenant, so the tests can share one long-lived
// server. KESTREL_TEST_URL overrides the default http://localhost:8080.
//
// The server must run with the default min_training (10) or lower; the
// warm-up batch sends 60 ordinary weekday payments before anything is
// measured.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const warmupSize = 60

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig(t *testing.T) TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: fmt.Sprintf("it-%s-%d", t.Name(), time.Now().UnixNano()),
	}
}

// submitResponse mirrors POST /transactions for a single transaction.
type submitResponse struct {
	Status      string                 `json:"status"`
	TraceID     string                 `json:"traceId"`
	Transaction *domain.Transaction    `json:"transaction"`
	Score       *domain.AnomalyScore   `json:"score"`
	Explanation *domain.Explanation    `json:"explanation"`
	Indicators  []domain.RiskIndicator `json:"indicators"`
	Item        *domain.ReviewItem     `json:"reviewItem"`
	Error       string                 `json:"error"`
	Field       string                 `json:"field"`
}

// call sends a request and decodes the JSON response into out when set.
func call(t *testing.T, cfg TestConfig, method, path string, body, out any) int {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, cfg.BaseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", cfg.TenantID)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err, "is kestrel running at %s?", cfg.BaseURL)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, out), "body: %s", data)
	}
	return resp.StatusCode
}

// ordinary returns the i-th routine weekday payment.
func ordinary(i int) domain.TransactionRequest {
	day := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC).AddDate(0, 0, (i/2)%5+7*(i/10))
	return domain.TransactionRequest{
		ID:        fmt.Sprintf("ord-%03d", i),
		Timestamp: day.Add(time.Duration(9+i%6) * time.Hour),
		Amount:    400 + float64(i%9)*25,
		Payer:     []string{"finance", "operations"}[i%2],
		Payee:     []string{"V001", "V002", "V003", "V004"}[i%4],
		Category:  "supplies",
		Memo:      "ACH payment",
	}
}

// outlier pays an unseen vendor a huge amount at 3am on a Sunday.
func outlier(id string) domain.TransactionRequest {
	return domain.TransactionRequest{
		ID:        id,
		Timestamp: time.Date(2025, 4, 13, 3, 0, 0, 0, time.UTC),
		Amount:    480000,
		Payer:     "finance",
		Payee:     "V999",
		Category:  "consulting",
		Memo:      "urgent wire",
	}
}

// warmUp stores the training window as one batch and fits the model on it.
func warmUp(t *testing.T, cfg TestConfig) {
	t.Helper()
	batch := make([]domain.TransactionRequest, warmupSize)
	for i := range batch {
		batch[i] = ordinary(i)
	}

	var resp struct {
		Results   []submitResponse `json:"results"`
		Malformed int              `json:"malformed"`
	}
	status := call(t, cfg, http.MethodPost, "/transactions", map[string]any{"transactions": batch}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Results, warmupSize)
	require.Zero(t, resp.Malformed)

	var model struct {
		Fitted bool             `json:"fitted"`
		Run    *domain.ModelRun `json:"run"`
	}
	require.Equal(t, http.StatusOK, call(t, cfg, http.MethodPost, "/model/refit", nil, &model))
	require.True(t, model.Fitted)
	require.Equal(t, warmupSize, model.Run.TrainingSize)
}

func TestHealth(t *testing.T) {
	cfg := getTestConfig(t)
	var health map[string]any
	require.Equal(t, http.StatusOK, call(t, cfg, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "healthy", health["status"])
}

// ============================================================================
// SCENARIO 1: Nothing is scored before the first fit
// ============================================================================

func TestBeforeFirstFit_Queued(t *testing.T) {
	/*
	   A brand new tenant has no model. The transaction is stored and the
	   API answers 202 "queued"; it is scored once the model fits.
	*/
	cfg := getTestConfig(t)

	var resp submitResponse
	status := call(t, cfg, http.MethodPost, "/transactions", ordinary(0), &resp)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "queued", resp.Status)

	var model struct {
		Fitted bool `json:"fitted"`
	}
	require.Equal(t, http.StatusOK, call(t, cfg, http.MethodGet, "/model", nil, &model))
	assert.False(t, model.Fitted)
}

// ============================================================================
// SCENARIO 2: Outlier flagged, explained and reviewed
// ============================================================================

func TestOutlier_FlaggedAndReviewed(t *testing.T) {
	/*
	   After 60 routine payments, a $480,000 Sunday 3am wire to an unseen
	   vendor must land above the flag threshold, carry a plain-language
	   explanation, and open a pending review item. A reviewer then claims,
	   confirms and archives it; the audit trail records each step.
	*/
	cfg := getTestConfig(t)
	warmUp(t, cfg)

	var flagged submitResponse
	require.Equal(t, http.StatusOK, call(t, cfg, http.MethodPost, "/transactions", outlier("big-001"), &flagged))
	require.Equal(t, "flagged", flagged.Status)
	require.NotNil(t, flagged.Score)
	assert.Greater(t, flagged.Score.PercentileRank, 0.95)
	require.NotNil(t, flagged.Explanation)
	assert.NotEmpty(t, flagged.Explanation.Factors)
	assert.Equal(t, flagged.Score.ID, flagged.Explanation.ScoreID)
	require.NotNil(t, flagged.Item)
	assert.Equal(t, domain.ReviewPending, flagged.Item.Status)
	t.Logf("flagged at percentile %.3f: %v", flagged.Score.PercentileRank, flagged.Explanation.Sentences())

	itemID := flagged.Item.ID

	var claimed domain.ReviewItem
	require.Equal(t, http.StatusOK, call(t, cfg, http.MethodPost, "/review-queue/next", map[string]string{"reviewer": "alice"}, &claimed))
	assert.Equal(t, itemID, claimed.ID)
	assert.Equal(t, domain.ReviewInReview, claimed.Status)
	assert.Equal(t, "alice", claimed.AssignedTo)

	// Nothing else pending
	assert.Equal(t, http.StatusNoContent, call(t, cfg, http.MethodPost, "/review-queue/next", map[string]string{"reviewer": "bob"}, nil))

	resolve := map[string]string{"status": "confirmed", "reviewer": "alice", "note": "no purchase order"}
	var resolved domain.ReviewItem
	require.Equal(t, http.StatusOK, call(t, cfg, http.MethodPost, "/review-queue/"+itemID+"/resolve", resolve, &resolved))
	assert.Equal(t, domain.ReviewConfirmed, resolved.Status)
	assert.Equal(t, "no purchase order", resolved.ReviewerNote)

	// Terminal items cannot be resolved twice
	var conflict struct {
		CurrentStatus string `json:"currentStatus"`
	}
	assert.Equal(t, http.StatusConflict, call(t, cfg, http.MethodPost, "/review-queue/"+itemID+"/resolve", resolve, &conflict))
	assert.Equal(t, "confirmed", conflict.CurrentStatus)

	require.Equal(t, http.StatusOK, call(t, cfg, http.MethodPost, "/review-queue/"+itemID+"/archive", map[string]string{"actor": "alice"}, nil))

	var events []domain.ReviewEvent
	require.Equal(t, http.StatusOK, call(t, cfg, http.MethodGet, "/review-queue/"+itemID+"/events", nil, &events))
	actions := make([]string, len(events))
	for i, ev := range events {
		actions[i] = ev.Action
	}
	assert.Equal(t, []string{"enqueued", "assigned", "resolved", "archived"}, actions)

	var summary domain.Summary
	require.Equal(t, http.StatusOK, call(t, cfg, http.MethodGet, "/summary", nil, &summary))
	assert.EqualValues(t, warmupSize+1, summary.Transactions)
	assert.EqualValues(t, 1, summary.Flagged)
}

// ============================================================================
// SCENARIO 3: Risk indicator rules annotate flagged items
// ============================================================================

func TestCustomRule_Indicator(t *testing.T) {
	/*
	   A tenant adds a CEL rule matching "urgent" in the memo. The rule
	   does not change the anomaly verdict; it attaches an indicator the
	   reviewer sees next to the explanation.
	*/
	cfg := getTestConfig(t)
	warmUp(t, cfg)

	rule := domain.RuleConfig{
		ID:         "urgent-memo",
		Name:       "Urgent memo",
		Expression: `memo.contains("urgent")`,
		Severity:   domain.SeverityMedium,
		Reason:     "memo asks for urgency",
	}
	require.Equal(t, http.StatusCreated, call(t, cfg, http.MethodPost, "/rules", rule, nil))

	var resp submitResponse
	require.Equal(t, http.StatusOK, call(t, cfg, http.MethodPost, "/transactions", outlier("big-002"), &resp))
	require.Equal(t, "flagged", resp.Status)

	found := false
	for _, ind := range resp.Indicators {
		if ind.RuleID == "urgent-memo" {
			found = true
			assert.Equal(t, domain.SeverityMedium, ind.Severity)
		}
	}
	assert.True(t, found, "expected urgent-memo indicator in %+v", resp.Indicators)

	bad := rule
	bad.ID = "broken"
	bad.Expression = "amount >"
	assert.Equal(t, http.StatusBadRequest, call(t, cfg, http.MethodPost, "/rules", bad, nil))
}

// ============================================================================
// SCENARIO 4: Malformed input is rejected with the offending field
// ============================================================================

func TestMalformed_Rejected(t *testing.T) {
	cfg := getTestConfig(t)

	req := ordinary(1)
	req.Payee = ""
	var resp submitResponse
	assert.Equal(t, http.StatusBadRequest, call(t, cfg, http.MethodPost, "/transactions", req, &resp))
	assert.Equal(t, "payee", resp.Field)
}
