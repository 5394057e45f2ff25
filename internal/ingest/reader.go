package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// sampleRows is how many rows feed type detection.
const sampleRows = 50

// Options controls how a CSV file is read.
type Options struct {
	// Mapping overrides detection for the fields it names. Keys are
	// canonical field names, values are header names.
	Mapping map[string]string

	// DefaultPayer is used when the file has no payer column.
	DefaultPayer string

	// Now stamps CreatedAt; defaults to time.Now.
	Now func() time.Time
}

// HealthReport summarizes the data quality of one file.
type HealthReport struct {
	Rows           int            `json:"rows"`
	Valid          int            `json:"valid"`
	Malformed      int            `json:"malformed"`
	Duplicates     int            `json:"duplicates"`
	MissingByField map[string]int `json:"missingByField"`
	// Completeness is the share of non-empty mapped cells, in [0, 1].
	Completeness float64 `json:"completeness"`
}

// Result is the outcome of reading a file.
type Result struct {
	Transactions []*domain.Transaction
	Errors       []*domain.MalformedTransactionError
	Report       HealthReport
	Mapping      Mapping
	Header       []string
}

// Read parses every row of r into transactions for tenantID. Only a
// missing or unreadable header fails the read; bad rows are collected in
// Result.Errors with their 1-based data row number.
func Read(r io.Reader, tenantID string, opts Options) (*Result, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant ID is required", domain.ErrInvalidInput)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", domain.ErrInvalidInput)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}

	var rows [][]string
	var rowErrs []*domain.MalformedTransactionError
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rowErrs = append(rowErrs, &domain.MalformedTransactionError{Row: line, Field: "record", Reason: err.Error()})
			rows = append(rows, nil)
			continue
		}
		rows = append(rows, rec)
	}

	sample := rows
	if len(sample) > sampleRows {
		sample = sample[:sampleRows]
	}
	mapping := DetectColumns(header, sample)
	if err := applyOverrides(mapping, header, opts.Mapping); err != nil {
		return nil, err
	}

	res := &Result{
		Mapping: mapping,
		Header:  header,
		Report:  HealthReport{Rows: len(rows), MissingByField: make(map[string]int)},
	}
	if _, ok := mapping[FieldAmount]; !ok {
		return nil, fmt.Errorf("%w: no amount column found in %v", domain.ErrInvalidInput, header)
	}

	seen := make(map[string]bool)
	created := now().UTC()
	filled, cells := 0, 0

	for i, rec := range rows {
		row := i + 1
		if rec == nil {
			continue
		}
		for _, field := range Fields {
			col, ok := mapping[field]
			if !ok {
				continue
			}
			cells++
			if col < len(rec) && cleanText(rec[col]) != "" {
				filled++
			} else {
				res.Report.MissingByField[field]++
			}
		}

		tx, err := parseRow(rec, mapping, tenantID, opts.DefaultPayer)
		if err != nil {
			var mte *domain.MalformedTransactionError
			if errors.As(err, &mte) {
				mte.Row = row
				rowErrs = append(rowErrs, mte)
			} else {
				rowErrs = append(rowErrs, &domain.MalformedTransactionError{Row: row, Field: "record", Reason: err.Error()})
			}
			continue
		}
		if seen[tx.ID] {
			res.Report.Duplicates++
			rowErrs = append(rowErrs, &domain.MalformedTransactionError{Row: row, Field: FieldID, Reason: "duplicate id " + tx.ID})
			continue
		}
		seen[tx.ID] = true
		tx.CreatedAt = created
		res.Transactions = append(res.Transactions, tx)
	}

	res.Errors = sortByRow(rowErrs)
	res.Report.Valid = len(res.Transactions)
	res.Report.Malformed = len(res.Errors)
	if cells > 0 {
		res.Report.Completeness = float64(filled) / float64(cells)
	}
	return res, nil
}

func applyOverrides(m Mapping, header []string, overrides map[string]string) error {
	for field, name := range overrides {
		if !isField(field) {
			return fmt.Errorf("%w: unknown field %q in mapping", domain.ErrInvalidInput, field)
		}
		col := -1
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(name)) {
				col = i
				break
			}
		}
		if col < 0 {
			return fmt.Errorf("%w: column %q not in header", domain.ErrInvalidInput, name)
		}
		for f, c := range m {
			if c == col {
				delete(m, f)
			}
		}
		m[field] = col
	}
	return nil
}

func isField(f string) bool {
	for _, known := range Fields {
		if f == known {
			return true
		}
	}
	return false
}

func parseRow(rec []string, m Mapping, tenantID, defaultPayer string) (*domain.Transaction, error) {
	get := func(field string) string {
		col, ok := m[field]
		if !ok || col >= len(rec) {
			return ""
		}
		return cleanText(rec[col])
	}

	rawAmount := get(FieldAmount)
	if rawAmount == "" {
		return nil, &domain.MalformedTransactionError{Field: FieldAmount, Reason: "required"}
	}
	amount, err := ParseAmount(rawAmount)
	if err != nil {
		return nil, &domain.MalformedTransactionError{Field: FieldAmount, Reason: err.Error()}
	}

	rawDate := get(FieldDate)
	if rawDate == "" {
		return nil, &domain.MalformedTransactionError{Field: "timestamp", Reason: "required"}
	}
	ts, err := ParseDate(rawDate)
	if err != nil {
		return nil, &domain.MalformedTransactionError{Field: "timestamp", Reason: err.Error()}
	}

	payer := get(FieldPayer)
	if payer == "" {
		payer = defaultPayer
	}

	id := get(FieldID)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(rec, "\x1f"))).String()
	}

	tx := &domain.Transaction{
		ID:        id,
		TenantID:  tenantID,
		Timestamp: ts,
		Amount:    amount,
		Payer:     payer,
		Payee:     get(FieldPayee),
		Category:  get(FieldCategory),
		Memo:      get(FieldMemo),
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// sortByRow orders errors by row; csv read errors are collected before
// field errors.
func sortByRow(errs []*domain.MalformedTransactionError) []*domain.MalformedTransactionError {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Row < errs[j].Row })
	return errs
}
