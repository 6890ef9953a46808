// Package manifest parses and validates the declarative pipeline graph
// (spec 4.C).
package manifest

import "encoding/json"

// NodeSpec is one manifest node declaration.
type NodeSpec struct {
	ID          string          `json:"id"`
	NodeType    string          `json:"node_type"`
	Params      json.RawMessage `json:"params,omitempty"`
	IsStreaming bool            `json:"is_streaming,omitempty"`
	RuntimeHint string          `json:"runtime_hint,omitempty"`
	InputTypes  []string        `json:"input_types,omitempty"`
	OutputTypes []string        `json:"output_types,omitempty"`
	Recursive   bool            `json:"recursive,omitempty"` // opts into self-connections
	Docker      json.RawMessage `json:"docker,omitempty"`    // per-node container override
}

// Connection is a directed edge between two node IDs.
type Connection struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Metadata is free-form manifest description.
type Metadata struct {
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	AutoNegotiate bool   `json:"auto_negotiate,omitempty"`
}

// Manifest is the declarative graph description. Only Version=="v1" is
// accepted.
type Manifest struct {
	Version     string       `json:"version"`
	Metadata    Metadata     `json:"metadata,omitempty"`
	Nodes       []NodeSpec   `json:"nodes"`
	Connections []Connection `json:"connections,omitempty"`
}

// Parse unmarshals raw JSON into a Manifest without validating it.
func Parse(raw []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// NodeByID returns the node with the given ID, if present.
func (m Manifest) NodeByID(id string) (NodeSpec, bool) {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}
