// SPDX-License-Identifier: AGPL-3.0-only
package tools

// Historically used key names for a tool's input schema. Servers in the wild
// disagree on which one they emit, so ingestion accepts all of them and
// normalizes once; no use site repeats this lookup.
var schemaKeys = []string{"inputSchema", "input_schema", "parameters", "schema"}

// ExtractInputSchema pulls the input schema out of a raw tool description,
// trying each historically used key name, and normalizes it to an
// object-typed root. A tool with no recognizable schema gets an empty object
// schema.
func ExtractInputSchema(rawTool map[string]interface{}) map[string]interface{} {
	for _, key := range schemaKeys {
		if schema, ok := rawTool[key].(map[string]interface{}); ok {
			return NormalizeInputSchema(schema)
		}
	}
	return NormalizeInputSchema(nil)
}

// NormalizeInputSchema guarantees the schema root is object-typed with a
// properties map, copying the input so callers never share mutable state
// with the catalog.
func NormalizeInputSchema(schema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(schema)+2)
	for k, v := range schema {
		out[k] = v
	}
	if _, ok := out["type"].(string); !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"].(map[string]interface{}); !ok {
		out["properties"] = map[string]interface{}{}
	}
	return out
}
