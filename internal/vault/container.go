package vault

import (
	"context"
	"encoding/json"
)

// ListContainer returns the member resource URLs of a container. The store
// serves containers as JSON-LD and is loose about shape: membership may sit
// under an ldp:contains key on the root object or on a node inside @graph,
// and each member may be a bare string or an {"@id": ...} node.
func (c *Client) ListContainer(ctx context.Context, url string) ([]string, error) {
	raw, err := c.GetRaw(ctx, url)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return membersFromDocument(doc), nil
}

var containsKeys = []string{
	"http://www.w3.org/ns/ldp#contains",
	"ldp:contains",
	"contains",
}

func membersFromDocument(doc any) []string {
	var out []string
	switch node := doc.(type) {
	case map[string]any:
		for _, key := range containsKeys {
			if v, ok := node[key]; ok {
				out = append(out, memberIDs(v)...)
			}
		}
		if graph, ok := node["@graph"]; ok {
			out = append(out, membersFromDocument(graph)...)
		}
	case []any:
		for _, item := range node {
			out = append(out, membersFromDocument(item)...)
		}
	}
	return out
}

func memberIDs(v any) []string {
	switch member := v.(type) {
	case string:
		return []string{member}
	case map[string]any:
		if id, ok := member["@id"].(string); ok {
			return []string{id}
		}
	case []any:
		var out []string
		for _, item := range member {
			out = append(out, memberIDs(item)...)
		}
		return out
	}
	return nil
}
