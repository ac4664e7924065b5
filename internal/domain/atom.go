package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AtomCapability is the Atom Registry's per-atom metadata (§2, Atom
// Registry; §9 open question: produces-dataset and prefers-latest-dataset
// are independent booleans, per atom id, preserved from the source
// enumeration verbatim rather than merged into one concept).
type AtomCapability struct {
	AtomID              string
	Endpoint            string
	RequiresInput       bool
	ProducesDataset     bool
	PrefersLatestDataset bool
}

// AtomResult is the atom endpoint's tagged response (§6.4). Atom-specific
// result fields are kept as raw JSON and decoded on demand by the
// dependency validator, which knows which field name to look for per atom
// id — this avoids one giant union struct carrying every atom's fields.
type AtomResult struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	RowCount *int           `json:"row_count,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps Raw as the exact bytes received, in addition to
// decoding the common fields, so atom-specific field extraction (§4.3) can
// re-parse Raw without losing information to a lossy intermediate map.
func (a *AtomResult) UnmarshalJSON(data []byte) error {
	type alias AtomResult
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return fmt.Errorf("decode atom result: %w", err)
	}
	*a = AtomResult(tmp)
	a.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// OutputFieldByAtom maps an atom id to the JSON field name its result
// carries the saved/produced file path under (§4.3 dependency validator).
// Preserved verbatim from the source enumeration per §9's open-question
// decision.
var OutputFieldByAtom = map[string]string{
	"merge":                 "merge_json.result_file",
	"concat":                "concat_json.result_file",
	"groupby-wtg-avg":       "output_file",
	"pivot":                 "output_file",
	"filter":                "output_file",
	"data-upload-validate":  "saved_path",
	"chart-maker":           "saved_path",
}

// ExtractOutputFile walks a.Raw using the dotted field path registered in
// OutputFieldByAtom. For an atom id with no registered path it falls back to
// the top-level saved_path, then output_file. It returns "" if Raw is empty
// or the registered field is absent.
func (a AtomResult) ExtractOutputFile(atomID string) string {
	fieldPath, ok := OutputFieldByAtom[atomID]
	if !ok || a.Raw == nil {
		return extractFallback(a.Raw)
	}

	cursor := json.RawMessage(a.Raw)
	segments := splitDotted(fieldPath)
	for i, seg := range segments {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cursor, &obj); err != nil {
			return ""
		}
		next, ok := obj[seg]
		if !ok {
			return ""
		}
		cursor = next
		if i == len(segments)-1 {
			var s string
			if err := json.Unmarshal(cursor, &s); err != nil {
				return ""
			}
			return s
		}
	}
	return ""
}

// ExtractCSVPayload returns the raw CSV bytes an atom's result carries
// under its "csv_payload" field (base64-decoded by the JSON unmarshaler
// via []byte's default encoding), or nil if absent — the input to the
// Auto-Save Layer (§4.6).
func (a AtomResult) ExtractCSVPayload() []byte {
	if a.Raw == nil {
		return nil
	}
	var holder struct {
		CSVPayload []byte `json:"csv_payload"`
	}
	if err := json.Unmarshal(a.Raw, &holder); err != nil {
		return nil
	}
	return holder.CSVPayload
}

func extractFallback(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if v, ok := obj["saved_path"].(string); ok {
		return v
	}
	if v, ok := obj["output_file"].(string); ok {
		return v
	}
	return ""
}

func splitDotted(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	segments = append(segments, path[start:])
	return segments
}

// UnmarshalJSON on Decision accepts any-case string values and coerces
// anything unrecognized to DecisionContinue, per §4.8 ("Invalid decision
// values are coerced to continue"), mirroring the lenient custom
// unmarshalers the teacher uses for duck-typed enum fields.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		*d = DecisionContinue
		return nil
	}
	normalized := Decision(strings.ToLower(strings.TrimSpace(raw)))
	switch normalized {
	case DecisionContinue, DecisionRetryWithCorrection, DecisionChangeApproach, DecisionComplete:
		*d = normalized
	default:
		*d = DecisionContinue
	}
	return nil
}

// PlanDecision is the planner's tagged response shape (§4.1 step 3).
type PlanDecision struct {
	AtomID        string   `json:"atom_id"`
	Description   string   `json:"description"`
	FilesUsed     []string `json:"files_used"`
	Inputs        []string `json:"inputs"`
	OutputAlias   string   `json:"output_alias"`
	GoalAchieved  bool     `json:"goal_achieved"`
}
