// Package ingest reads transactions from CSV exports with unknown column
// layouts: it detects which column holds which field, cleans amounts and
// dates, and reports every bad row without stopping the read.
package ingest

import (
	"fmt"
	"sort"
	"strings"
)

// Canonical transaction fields a column can map to.
const (
	FieldID       = "id"
	FieldAmount   = "amount"
	FieldDate     = "date"
	FieldPayer    = "payer"
	FieldPayee    = "payee"
	FieldCategory = "category"
	FieldMemo     = "memo"
)

// Fields lists the canonical fields in detection order.
var Fields = []string{FieldID, FieldAmount, FieldDate, FieldPayer, FieldPayee, FieldCategory, FieldMemo}

var keywords = map[string][]string{
	FieldID:       {"id", "transactionid", "txnid", "transid", "receipt", "reference", "refno"},
	FieldAmount:   {"amount", "amt", "total", "value", "price", "cost", "payment", "sum"},
	FieldDate:     {"date", "datetime", "timestamp", "created", "transdate", "transactiondate", "time"},
	FieldPayer:    {"payer", "department", "dept", "division", "account", "debtor", "from", "buyer"},
	FieldPayee:    {"payee", "vendor", "supplier", "merchant", "seller", "company", "provider", "creditor"},
	FieldCategory: {"category", "type", "class", "purpose", "glcode"},
	FieldMemo:     {"memo", "description", "desc", "notes", "note", "reason", "narrative"},
}

// Mapping assigns a column index to each detected field.
type Mapping map[string]int

// Column returns the column index for field.
func (m Mapping) Column(field string) (int, bool) {
	i, ok := m[field]
	return i, ok
}

// String renders the mapping in field order, for logs and CLI output.
func (m Mapping) String() string {
	parts := make([]string, 0, len(m))
	for _, f := range Fields {
		if i, ok := m[f]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", f, i))
		}
	}
	return strings.Join(parts, " ")
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer("_", "", " ", "", "-", "", ".", "").Replace(h)
}

// DetectColumns maps header columns onto canonical fields by keyword
// score, boosted when the sample values parse as the field's type.
// Each column is used at most once; higher-scoring pairs win.
func DetectColumns(header []string, sample [][]string) Mapping {
	type candidate struct {
		field string
		col   int
		score int
	}

	var cands []candidate
	for col, h := range header {
		name := normalizeHeader(h)
		if name == "" {
			continue
		}
		values := columnValues(sample, col)
		for _, field := range Fields {
			score := keywordScore(name, keywords[field])
			if score == 0 {
				continue
			}
			switch field {
			case FieldAmount:
				if mostly(values, func(s string) bool { _, err := ParseAmount(s); return err == nil }) {
					score += 10
				}
			case FieldDate:
				if mostly(values, func(s string) bool { _, err := ParseDate(s); return err == nil }) {
					score += 10
				}
			}
			cands = append(cands, candidate{field, col, score})
		}
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	m := make(Mapping)
	usedCols := make(map[int]bool)
	for _, c := range cands {
		if _, done := m[c.field]; done || usedCols[c.col] {
			continue
		}
		m[c.field] = c.col
		usedCols[c.col] = true
	}
	return m
}

func keywordScore(name string, kws []string) int {
	score := 0
	for _, kw := range kws {
		switch {
		case name == kw:
			score += 2 * len(kw)
		case strings.Contains(name, kw):
			score += len(kw)
		}
	}
	return score
}

func columnValues(rows [][]string, col int) []string {
	var out []string
	for _, r := range rows {
		if col < len(r) && strings.TrimSpace(r[col]) != "" {
			out = append(out, r[col])
		}
	}
	return out
}

// mostly reports whether more than 70% of values satisfy ok.
func mostly(values []string, ok func(string) bool) bool {
	if len(values) == 0 {
		return false
	}
	n := 0
	for _, v := range values {
		if ok(v) {
			n++
		}
	}
	return float64(n)/float64(len(values)) > 0.7
}
