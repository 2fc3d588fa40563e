package scanning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// searchResponse is the JSON document the vision models are asked for.
type searchResponse struct {
	Found bool    `json:"found"`
	ID    *string `json:"id"`
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9\-_]+`)

// parseSearchJSON extracts the record id from a model response. It returns
// "" when the model reported no match.
func parseSearchJSON(text string) (string, error) {
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}

	text = text[startIdx : endIdx+1]

	var resp searchResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return "", fmt.Errorf("unmarshaling json: %w", err)
	}

	if !resp.Found || resp.ID == nil {
		return "", nil
	}

	// Normalize to a slug so the same object always yields the same id
	id := strings.ToLower(strings.TrimSpace(*resp.ID))
	id = strings.ReplaceAll(id, " ", "-")
	id = slugInvalid.ReplaceAllString(id, "")
	id = strings.Trim(id, "-_")

	return id, nil
}
