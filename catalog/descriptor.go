// Package catalog holds the serializable tool metadata the server
// advertises: descriptors produced by introspection workers, the
// mtime-keyed cache that makes discovery incremental, and the change
// tracker that diffs successive registry snapshots.
package catalog

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// QualifiedSeparator joins a plugin name and a function name into the
// registry identifier, e.g. "calc-add".
const QualifiedSeparator = "-"

// pycacheDir is the interpreter bytecode cache directory; entries with
// this name under the plugin root are never treated as plugins.
const pycacheDir = "__pycache__"

var pluginNameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Descriptor is the serializable form of one public plugin function.
// It is derived from the plugin source by an introspection worker and
// never authoritative; tool.py is the source of truth.
type Descriptor struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	InputSchema    map[string]any `json:"input_schema"`
	Tags           []string       `json:"tags"`
	SourceModule   string         `json:"source_module"`
	FunctionName   string         `json:"function_name"`
	ToolNamePrefix string         `json:"tool_name_prefix"`
}

// SchemaJSON returns the input schema as raw JSON, suitable for
// registering the tool with a raw-schema registry entry. A nil schema
// encodes as an empty object schema.
func (d Descriptor) SchemaJSON() json.RawMessage {
	schema := d.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return data
}

// asMap flattens the descriptor into its wire keys for field-by-field
// comparison. Values are round-tripped through JSON so that equal
// schemas compare equal regardless of in-memory number types.
func (d Descriptor) asMap() map[string]any {
	data, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// Equal reports whether two descriptors serialize to the same JSON.
func (d Descriptor) Equal(other Descriptor) bool {
	a, err := json.Marshal(d)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

// Qualify builds the registry identifier for a plugin function.
func Qualify(plugin, function string) string {
	return plugin + QualifiedSeparator + function
}

// IsQualified reports whether a tool name carries a plugin prefix.
// Built-in and mirrored tools never contain the separator.
func IsQualified(name string) bool {
	return strings.Contains(name, QualifiedSeparator)
}

// PluginOf returns the plugin prefix of a qualified name, or "" when
// the name is unqualified.
func PluginOf(name string) string {
	prefix, _, found := strings.Cut(name, QualifiedSeparator)
	if !found {
		return ""
	}
	return prefix
}

// ValidPluginName reports whether a directory name is a legal plugin
// name: a letter followed by letters, digits, or underscores. The
// underscore-prefixed convention and the interpreter cache directory
// are excluded by construction.
func ValidPluginName(name string) bool {
	return name != pycacheDir && pluginNameRE.MatchString(name)
}

// CheckPluginName returns a descriptive error for an invalid plugin
// name, used by admin calls that create or mutate plugin directories.
func CheckPluginName(name string) error {
	if name == "" {
		return fmt.Errorf("plugin name is empty")
	}
	if !ValidPluginName(name) {
		return fmt.Errorf("invalid plugin name %q: must match %s", name, pluginNameRE.String())
	}
	return nil
}
