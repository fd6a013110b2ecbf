package domain

// PollingFileOutput marks a tool usage whose cost is billed asynchronously.
const PollingFileOutput = "polling-file"

// UsageKind identifies the variant of a UsageEntry.
type UsageKind string

const (
	UsageModel UsageKind = "model"
	UsageTool  UsageKind = "tool"
)

// ModelCosts is the cost breakdown of one model call.
type ModelCosts struct {
	Input        float64  `json:"input_cost"`
	Output       float64  `json:"output_cost"`
	Total        float64  `json:"total_cost"`
	CacheSavings *float64 `json:"cache_savings,omitempty"`
}

// ModelUsage is the usage of one model call.
type ModelUsage struct {
	Brand        string     `json:"brand"`
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	CachedTokens int        `json:"cached_tokens"`
	Costs        ModelCosts `json:"costs"`
}

// ToolOutput describes what a tool produced.
type ToolOutput struct {
	Type    string `json:"type"`
	Content any    `json:"content,omitempty"`
}

// ToolUsage is the usage of one tool invocation.
type ToolUsage struct {
	ToolName  string     `json:"tool_name"`
	ToolID    string     `json:"tool_id"`
	Output    ToolOutput `json:"output"`
	TotalCost float64    `json:"total_cost"`
}

// Pending reports whether the tool cost is not yet known.
func (t ToolUsage) Pending() bool {
	return t.Output.Type == PollingFileOutput
}

// UsageEntry is a tagged usage record; exactly one of Model and Tool is set.
type UsageEntry struct {
	Kind  UsageKind   `json:"kind"`
	Model *ModelUsage `json:"model,omitempty"`
	Tool  *ToolUsage  `json:"tool,omitempty"`
}

// CostSummary totals the usage of a conversation.
type CostSummary struct {
	TotalCost    float64            `json:"total_cost"`
	CacheSavings float64            `json:"cache_savings"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	CachedTokens int                `json:"cached_tokens"`
	ModelTotals  map[string]float64 `json:"model_totals"`
	ToolTotals   map[string]float64 `json:"tool_totals"`
	PendingTools int                `json:"pending_tools"`
}
