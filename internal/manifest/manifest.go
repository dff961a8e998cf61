// Package manifest parses the screenshot manifest, the coding agent's sole
// structured output contract. An empty manifest is a valid result meaning
// "no affected routes found".
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultPath is where the agent writes the manifest inside the handle.
// Its appearance is the sentinel the wait step polls for.
const DefaultPath = "/workspace/screenshots/manifest.json"

// Entry describes one screenshot the agent captured
type Entry struct {
	Path        string `json:"path"`
	Route       string `json:"route"`
	Description string `json:"description,omitempty"`
}

const schemaJSON = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["path", "route"],
		"properties": {
			"path": {"type": "string", "pattern": "^/"},
			"route": {"type": "string", "minLength": 1},
			"description": {"type": "string"}
		}
	}
}`

var schema = jsonschema.MustCompileString("inmemory://manifest.json", schemaJSON)

// Parse validates and decodes manifest JSON. A malformed manifest is a
// content error: it is never retried, the run fails.
func Parse(data []byte) ([]Entry, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed manifest JSON: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("manifest schema validation failed: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return entries, nil
}

// BlobKey derives the storage key for an entry's screenshot
func BlobKey(owner, repo, runID string, e Entry) string {
	route := strings.Trim(e.Route, "/")
	if route == "" {
		route = "root"
	}
	route = strings.ReplaceAll(route, "/", "-")
	return fmt.Sprintf("%s/%s/%s/%s.png", owner, repo, runID, route)
}
