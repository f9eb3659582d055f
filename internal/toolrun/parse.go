package toolrun

import (
	"encoding/json"
	"strings"

	"github.com/selfai-sh/selfai/internal/backend"
)

const (
	actionMarker = "Action:"
	finalMarker  = "Final Answer:"
)

// Call is a parsed tool-call marker.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// TurnKind classifies one model turn.
type TurnKind int

const (
	// TurnAction is a well-formed tool-call marker and nothing else.
	TurnAction TurnKind = iota
	// TurnFinal is a final-answer marker.
	TurnFinal
	// TurnProse is an ambiguous turn with non-marker prose; the prose is
	// treated as the final answer.
	TurnProse
	// TurnUnclear is an ambiguous turn with no usable prose; the runner
	// reprompts with a clarification observation.
	TurnUnclear
)

// Turn is the parse result of one model output.
type Turn struct {
	Kind  TurnKind
	Call  *Call  // set for TurnAction
	Final string // set for TurnFinal and TurnProse
}

// ParseTurn classifies a raw model turn. Scratch-pad regions are stripped
// before marker detection. Exactly one marker is expected; on ambiguity
// (both markers, neither marker, or a marker that does not parse) the turn
// is the final answer if any non-marker prose exists, otherwise unclear.
//
// Expectations:
//   - A lone Action marker with valid JSON parses to TurnAction
//   - A lone Final Answer marker parses to TurnFinal with the trailing text
//   - Plain prose with no marker is TurnProse carrying the prose
//   - Both markers present is TurnProse (the whole output)
//   - An Action marker with unparseable JSON and no prose is TurnUnclear
//   - Scratch-pad regions never influence classification
func ParseTurn(raw string) Turn {
	s := backend.StripThink(raw)

	actionAt := markerIndex(s, actionMarker)
	finalAt := markerIndex(s, finalMarker)

	switch {
	case actionAt >= 0 && finalAt < 0:
		// Prose around a well-formed tool call is tolerated; the call wins.
		if call, _, ok := parseCall(s[actionAt+len(actionMarker):]); ok {
			return Turn{Kind: TurnAction, Call: call}
		}
		// Unresolvable marker: only text before the marker counts as prose.
		if prose := strings.TrimSpace(s[:actionAt]); !isMarkerNoise(prose) {
			return Turn{Kind: TurnProse, Final: prose}
		}
		return Turn{Kind: TurnUnclear}

	case finalAt >= 0 && actionAt < 0:
		return Turn{Kind: TurnFinal, Final: strings.TrimSpace(s[finalAt+len(finalMarker):])}

	case actionAt >= 0 && finalAt >= 0:
		if strings.TrimSpace(s) != "" {
			return Turn{Kind: TurnProse, Final: strings.TrimSpace(s)}
		}
		return Turn{Kind: TurnUnclear}

	default:
		if prose := strings.TrimSpace(s); prose != "" {
			return Turn{Kind: TurnProse, Final: prose}
		}
		return Turn{Kind: TurnUnclear}
	}
}

// markerIndex returns the byte offset of the first occurrence of marker at
// the start of a line, or -1.
func markerIndex(s, marker string) int {
	off := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), marker) {
			return off + strings.Index(line, marker)
		}
		off += len(line) + 1
	}
	return -1
}

// parseCall decodes one JSON object following an Action marker and returns
// the remaining text after the object.
func parseCall(s string) (*Call, string, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	var c Call
	if err := dec.Decode(&c); err != nil || c.Name == "" {
		return nil, "", false
	}
	if c.Arguments == nil {
		c.Arguments = map[string]any{}
	}
	rest := s[int(dec.InputOffset()):]
	return &c, rest, true
}

func isMarkerNoise(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == actionMarker || s == finalMarker
}
