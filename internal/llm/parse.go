package llm

import (
	"encoding/json"
	"strings"

	qerrors "github.com/quarry-kb/quarry/internal/errors"
)

// ExtractJSON unmarshals model output into v, tolerating the common
// failure modes of small local models: markdown code fences, prose
// before or after the object, and single-quoted fences. A response with
// no parseable JSON object yields a soft-parse error; callers degrade
// rather than fail the document.
func ExtractJSON(response string, v any) error {
	candidate := strings.TrimSpace(response)

	if fenced := stripCodeFence(candidate); fenced != "" {
		candidate = fenced
	}

	// Narrow to the outermost object in case the model added prose.
	start := strings.IndexByte(candidate, '{')
	end := strings.LastIndexByte(candidate, '}')
	if start < 0 || end <= start {
		return qerrors.SoftParseError("no JSON object in llm response", nil).
			WithDetail("response", truncate(response, 200))
	}
	candidate = candidate[start : end+1]

	if err := json.Unmarshal([]byte(candidate), v); err != nil {
		return qerrors.SoftParseError("invalid JSON in llm response", err).
			WithDetail("response", truncate(response, 200))
	}
	return nil
}

// stripCodeFence removes a ```json ... ``` (or bare ```) wrapper.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return ""
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:] // drop the language tag line
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
