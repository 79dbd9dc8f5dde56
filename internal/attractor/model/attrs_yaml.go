package model

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// AttrYAML decodes a node attribute as YAML into out. Authors use this for
// non-scalar attributes the flat string bag can't represent directly, e.g. a
// manager node's action list:
//
//	manager.actions="- approve\n- request_changes\n- escalate"
//
// Returns nil with out left untouched when the attribute is absent.
func (n *Node) AttrYAML(key string, out any) error {
	raw := n.Attr(key, "")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := yaml.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("node %q attribute %q: %w", n.ID, key, err)
	}
	return nil
}

// AttrStringList decodes key as a YAML list of strings, falling back to
// splitting on commas/whitespace if the value isn't valid YAML (so authors
// can still write the common case, manager.actions="approve, escalate",
// without quoting a YAML flow sequence).
func (n *Node) AttrStringList(key string) []string {
	var out []string
	if err := n.AttrYAML(key, &out); err == nil && out != nil {
		return out
	}
	raw := strings.NewReplacer(",", " ").Replace(n.Attr(key, ""))
	return strings.Fields(raw)
}

// AttrYAML decodes an edge attribute as YAML into out, mirroring Node.AttrYAML.
func (e *Edge) AttrYAML(key string, out any) error {
	raw := e.Attr(key, "")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := yaml.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("edge %s->%s attribute %q: %w", e.From, e.To, key, err)
	}
	return nil
}
