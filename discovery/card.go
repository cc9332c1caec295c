package discovery

import (
	"fmt"
	"strings"
)

// Capability is one advertised ability of a node, with free-form tags
// qualifying it (for example {"gpu"} or {"advanced"}).
type Capability struct {
	Name string   `json:"name" msgpack:"name"`
	Tags []string `json:"tags,omitempty" msgpack:"tags,omitempty"`
}

// Endpoints lists where a node speaks the fabric protocols.
type Endpoints struct {
	// RPC is the base URL of the node's control surface, the scheme and
	// authority under which /fabric/rpc and /fabric/ws live.
	RPC string `json:"rpc" msgpack:"rpc"`

	// EventStream is the SSE endpoint URL, empty when the node does not
	// expose one.
	EventStream string `json:"event_stream,omitempty" msgpack:"event_stream,omitempty"`
}

// AgentCard is a node's published self-description, served at
// /.well-known/agent.json. Cards are immutable for a given version;
// a changed node publishes a new card.
type AgentCard struct {
	Name         string       `json:"name" msgpack:"name"`
	Version      string       `json:"version" msgpack:"version"`
	Capabilities []Capability `json:"capabilities,omitempty" msgpack:"capabilities,omitempty"`
	Endpoints    Endpoints    `json:"endpoints" msgpack:"endpoints"`
}

// Validate checks the card's required fields.
func (c *AgentCard) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("agent card: name is required")
	}
	if strings.TrimSpace(c.Version) == "" {
		return fmt.Errorf("agent card: version is required")
	}
	if strings.TrimSpace(c.Endpoints.RPC) == "" {
		return fmt.Errorf("agent card: rpc endpoint is required")
	}
	for i, cap := range c.Capabilities {
		if strings.TrimSpace(cap.Name) == "" {
			return fmt.Errorf("agent card: capability %d has no name", i)
		}
	}
	return nil
}

// HasCapability reports whether the card advertises the named
// capability.
func (c *AgentCard) HasCapability(name string) bool {
	for _, cap := range c.Capabilities {
		if cap.Name == name {
			return true
		}
	}
	return false
}

// HasTag reports whether any capability on the card carries the tag.
func (c *AgentCard) HasTag(tag string) bool {
	for _, cap := range c.Capabilities {
		for _, t := range cap.Tags {
			if t == tag {
				return true
			}
		}
	}
	return false
}

// NewCard builds a card for a node serving its control surface at
// addr. Capability names come straight from the handler registry.
func NewCard(name, version, addr string, capabilities []string) AgentCard {
	caps := make([]Capability, 0, len(capabilities))
	for _, c := range capabilities {
		caps = append(caps, Capability{Name: c})
	}
	base := "http://" + addr
	return AgentCard{
		Name:         name,
		Version:      version,
		Capabilities: caps,
		Endpoints: Endpoints{
			RPC:         base,
			EventStream: base + "/fabric/events",
		},
	}
}
