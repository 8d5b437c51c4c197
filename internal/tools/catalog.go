// Package tools defines the static tool catalog exposed by the memproxy
// service and the direct executor that serves those tools against the
// memory store when no remote tool host is configured.
package tools

import (
	"errors"
	"fmt"

	"github.com/localmem/memproxy/internal/errortypes"
)

const (
	// ToolAddPreference is the name of the add_coding_preference tool
	ToolAddPreference = "add_coding_preference"

	// ToolGetAllPreferences is the name of the get_all_coding_preferences tool
	ToolGetAllPreferences = "get_all_coding_preferences"

	// ToolSearchPreferences is the name of the search_coding_preferences tool
	ToolSearchPreferences = "search_coding_preferences"
)

// identityPattern documents the user_id constraint in the tool schemas. The
// proxy overrides the argument regardless, so the schema is advisory.
const identityPattern = "^[a-zA-Z0-9_-]{1,64}$"

// Tool describes one entry of the catalog: name, description, and the JSON
// schema of its input. The catalog is configuration, not computed state.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// RequiredArgs returns the argument names the schema marks as required.
func (t Tool) RequiredArgs() []string {
	required, ok := t.InputSchema["required"].([]string)
	if !ok {
		return nil
	}
	return required
}

var catalog = []Tool{
	{
		Name:        ToolAddPreference,
		Description: "Add a new coding preference to the memory store with user isolation. This tool stores code snippets, implementation details, and coding patterns for future reference. Each user's data is completely isolated.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "The content to store in memory, including code, documentation, and context",
				},
				"user_id": map[string]any{
					"type":        "string",
					"description": "User ID for data isolation (optional)",
					"pattern":     identityPattern,
				},
			},
			"required": []string{"text"},
		},
	},
	{
		Name:        ToolGetAllPreferences,
		Description: "Retrieve all stored coding preferences for the current user. Returns user-specific data only.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id": map[string]any{
					"type":        "string",
					"description": "User ID for data isolation (optional)",
					"pattern":     identityPattern,
				},
			},
			"required": []string{},
		},
	},
	{
		Name:        ToolSearchPreferences,
		Description: "Search through stored coding preferences using semantic search. Searches only the current user's data.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query string describing what you're looking for",
				},
				"user_id": map[string]any{
					"type":        "string",
					"description": "User ID for data isolation (optional)",
					"pattern":     identityPattern,
				},
			},
			"required": []string{"query"},
		},
	},
}

// Catalog returns the static tool catalog.
func Catalog() []Tool {
	return catalog
}

// Find looks up a tool by name.
func Find(name string) (Tool, bool) {
	for _, t := range catalog {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// ValidateArgs checks that every required argument is present and non-empty.
func ValidateArgs(t Tool, args map[string]any) error {
	for _, name := range t.RequiredArgs() {
		v, ok := args[name]
		if !ok {
			return errortypes.ValidationError(
				errors.New("missing required argument"),
				fmt.Sprintf("%s requires argument %q", t.Name, name))
		}
		if s, isString := v.(string); isString && s == "" {
			return errortypes.ValidationError(
				errors.New("empty required argument"),
				fmt.Sprintf("%s requires a non-empty %q", t.Name, name))
		}
	}
	return nil
}
