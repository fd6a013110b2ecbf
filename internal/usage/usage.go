// Package usage folds per-turn usage records into conversation totals.
package usage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tjfontaine/agent-stream/internal/domain"
)

// Aggregate concatenates usage, side-channel blocks and raw turns across
// messages in order. Messages without usage contribute nothing to Usage.
func Aggregate(messages []domain.CanonicalMessage) domain.CumulativeSummary {
	summary := domain.CumulativeSummary{
		Usage:       []json.RawMessage{},
		SideChannel: []domain.SideChannelBlock{},
		RawTurns:    []json.RawMessage{},
	}
	for _, m := range messages {
		if len(m.Usage) > 0 {
			summary.Usage = append(summary.Usage, m.Usage)
		}
		summary.SideChannel = append(summary.SideChannel, m.SideChannel...)
		if len(m.RawTurn) > 0 {
			summary.RawTurns = append(summary.RawTurns, m.RawTurn)
		}
	}
	return summary
}

// wireEntry is the persisted shape of one usage record. Tool records carry
// tool_name; everything else is a model record.
type wireEntry struct {
	Kind         domain.UsageKind  `json:"kind"`
	Brand        string            `json:"brand"`
	Model        string            `json:"model"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	CachedTokens int               `json:"cached_tokens"`
	Costs        wireCosts         `json:"costs"`
	ToolName     *string           `json:"tool_name"`
	ToolID       string            `json:"tool_id"`
	Output       domain.ToolOutput `json:"output"`
	TotalCost    amount            `json:"total_cost"`
}

type wireCosts struct {
	Input        amount  `json:"input_cost"`
	Output       amount  `json:"output_cost"`
	Total        amount  `json:"total_cost"`
	CacheSavings *amount `json:"cache_savings"`
}

func (c wireCosts) costs() domain.ModelCosts {
	out := domain.ModelCosts{
		Input:  float64(c.Input),
		Output: float64(c.Output),
		Total:  float64(c.Total),
	}
	if c.CacheSavings != nil {
		v := float64(*c.CacheSavings)
		out.CacheSavings = &v
	}
	return out
}

// amount is a cost that may be persisted as a number or a numeric string.
type amount float64

func (a *amount) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("invalid cost %q", s)
		}
		*a = amount(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*a = amount(v)
	return nil
}

func (w wireEntry) entry() domain.UsageEntry {
	if w.Kind == domain.UsageTool || (w.Kind == "" && w.ToolName != nil) {
		tool := &domain.ToolUsage{
			ToolID:    w.ToolID,
			Output:    w.Output,
			TotalCost: float64(w.TotalCost),
		}
		if w.ToolName != nil {
			tool.ToolName = *w.ToolName
		}
		return domain.UsageEntry{Kind: domain.UsageTool, Tool: tool}
	}
	return domain.UsageEntry{
		Kind: domain.UsageModel,
		Model: &domain.ModelUsage{
			Brand:        w.Brand,
			Model:        w.Model,
			InputTokens:  w.InputTokens,
			OutputTokens: w.OutputTokens,
			CachedTokens: w.CachedTokens,
			Costs:        w.Costs.costs(),
		},
	}
}

// ParseEntries decodes usage fields into tagged entries. Each field may hold
// a single record or an array of records. Undecodable records are reported
// and skipped; the rest of their array is kept.
func ParseEntries(raw []json.RawMessage) ([]domain.UsageEntry, []error) {
	var entries []domain.UsageEntry
	var errs []error
	for i, r := range raw {
		r = bytes.TrimSpace(r)
		if len(r) == 0 || string(r) == "null" {
			continue
		}

		if r[0] != '[' {
			e, err := parseEntry(r)
			if err != nil {
				errs = append(errs, fmt.Errorf("usage %d: %w", i, err))
				continue
			}
			entries = append(entries, e)
			continue
		}

		var records []json.RawMessage
		if err := json.Unmarshal(r, &records); err != nil {
			errs = append(errs, fmt.Errorf("usage %d: %w", i, err))
			continue
		}
		for j, rec := range records {
			if string(bytes.TrimSpace(rec)) == "null" {
				continue
			}
			e, err := parseEntry(rec)
			if err != nil {
				errs = append(errs, fmt.Errorf("usage %d[%d]: %w", i, j, err))
				continue
			}
			entries = append(entries, e)
		}
	}
	return entries, errs
}

func parseEntry(raw json.RawMessage) (domain.UsageEntry, error) {
	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.UsageEntry{}, err
	}
	return w.entry(), nil
}

// SummarizeCost totals entries. Tool entries whose output is still being
// polled are excluded from every cost total and counted as pending.
// Non-finite costs count as zero.
func SummarizeCost(entries []domain.UsageEntry) domain.CostSummary {
	summary := domain.CostSummary{
		ModelTotals: map[string]float64{},
		ToolTotals:  map[string]float64{},
	}

	for _, e := range entries {
		switch {
		case e.Model != nil:
			m := e.Model
			total := finite(m.Costs.Total)
			summary.TotalCost += total
			summary.InputTokens += m.InputTokens
			summary.OutputTokens += m.OutputTokens
			summary.CachedTokens += m.CachedTokens
			if m.Costs.CacheSavings != nil {
				summary.CacheSavings += finite(*m.Costs.CacheSavings)
			}
			summary.ModelTotals[modelKey(m)] += total

		case e.Tool != nil:
			if e.Tool.Pending() {
				summary.PendingTools++
				continue
			}
			total := finite(e.Tool.TotalCost)
			summary.TotalCost += total
			name := e.Tool.ToolName
			if name == "" {
				name = "unknown"
			}
			summary.ToolTotals[name] += total
		}
	}
	return summary
}

func modelKey(m *domain.ModelUsage) string {
	switch {
	case m.Model != "":
		return m.Model
	case m.Brand != "":
		return m.Brand
	default:
		return "unknown"
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// FormatCost renders v in dollars rounded up to four decimal places, so a
// cost is never under-quoted. Non-finite values render as $0.0000.
func FormatCost(v float64) string {
	v = Ceil4(v)
	if v < 0 {
		return "-$" + strconv.FormatFloat(-v, 'f', 4, 64)
	}
	return "$" + strconv.FormatFloat(v, 'f', 4, 64)
}

// Ceil4 rounds v up to four decimal places. Products within float error of
// a whole ten-thousandth are not bumped to the next one.
func Ceil4(v float64) float64 {
	v = finite(v)
	x := v * 1e4
	if r := math.Round(x); math.Abs(x-r) < 1e-6 {
		x = r
	}
	out := math.Ceil(x) / 1e4
	if out == 0 {
		return 0
	}
	return out
}
