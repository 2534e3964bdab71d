package schema

import "strings"

// ToolHint is a display hint for a tool invocation: a coarse category
// and an expected-duration bucket. Hints are presentation only and
// never affect delivery.
type ToolHint struct {
	Category string `json:"category"`
	Expected string `json:"expected_duration"`
}

// Matched in order; first substring hit wins.
var toolHints = []struct {
	substr string
	hint   ToolHint
}{
	{"search", ToolHint{Category: "retrieval", Expected: "short"}},
	{"fetch", ToolHint{Category: "retrieval", Expected: "short"}},
	{"read", ToolHint{Category: "retrieval", Expected: "short"}},
	{"query", ToolHint{Category: "database", Expected: "medium"}},
	{"sql", ToolHint{Category: "database", Expected: "medium"}},
	{"write", ToolHint{Category: "mutation", Expected: "medium"}},
	{"update", ToolHint{Category: "mutation", Expected: "medium"}},
	{"delete", ToolHint{Category: "mutation", Expected: "medium"}},
	{"generate", ToolHint{Category: "generation", Expected: "long"}},
	{"render", ToolHint{Category: "generation", Expected: "long"}},
	{"analyze", ToolHint{Category: "computation", Expected: "long"}},
	{"train", ToolHint{Category: "computation", Expected: "long"}},
	{"exec", ToolHint{Category: "execution", Expected: "medium"}},
	{"deploy", ToolHint{Category: "execution", Expected: "long"}},
}

// HintForTool matches known substrings of a tool name. Unknown tools
// get a generic medium hint.
func HintForTool(name string) ToolHint {
	lowered := strings.ToLower(name)
	for _, entry := range toolHints {
		if strings.Contains(lowered, entry.substr) {
			return entry.hint
		}
	}
	return ToolHint{Category: "general", Expected: "medium"}
}
