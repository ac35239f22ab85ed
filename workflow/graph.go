// Package workflow turns job descriptors into ComfyUI API prompts.
package workflow

import (
	"encoding/json"
	"strconv"
)

// Output is a reference to one output slot of a node. It serializes to the
// [node id, slot] pair ComfyUI expects for linked inputs.
type Output struct {
	Node string
	Slot int
}

func (o Output) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{o.Node, o.Slot})
}

func (o *Output) UnmarshalJSON(b []byte) error {
	var pair [2]interface{}
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	switch id := pair[0].(type) {
	case string:
		o.Node = id
	case float64:
		o.Node = strconv.Itoa(int(id))
	}
	if slot, ok := pair[1].(float64); ok {
		o.Slot = int(slot)
	}
	return nil
}

// Node is one entry of an API prompt.
type Node struct {
	// Inputs hold literal values (numbers, strings) or Output links.
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
}

// Prompt is the body POSTed to /prompt.
type Prompt struct {
	ClientID string          `json:"client_id"`
	PromptID string          `json:"prompt_id,omitempty"`
	Nodes    map[string]Node `json:"prompt"`
}

// Graph collects nodes with auto-numbered ids.
type Graph struct {
	nodes map[string]Node
	next  int
}

func New() *Graph {
	return &Graph{nodes: make(map[string]Node)}
}

// Add appends a node and returns its id.
func (g *Graph) Add(class string, inputs map[string]interface{}) string {
	g.next++
	id := strconv.Itoa(g.next)
	g.nodes[id] = Node{ClassType: class, Inputs: inputs}
	return id
}

// Out is a shorthand for slot references: g.Out(id, 0).
func (g *Graph) Out(id string, slot int) Output {
	return Output{Node: id, Slot: slot}
}

func (g *Graph) Len() int { return len(g.nodes) }

func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Find returns the ids of every node of the given class, in creation order.
func (g *Graph) Find(class string) []string {
	var ids []string
	for i := 1; i <= g.next; i++ {
		id := strconv.Itoa(i)
		if n, ok := g.nodes[id]; ok && n.ClassType == class {
			ids = append(ids, id)
		}
	}
	return ids
}

func (g *Graph) Prompt(clientID, promptID string) Prompt {
	nodes := make(map[string]Node, len(g.nodes))
	for id, n := range g.nodes {
		nodes[id] = n
	}
	return Prompt{ClientID: clientID, PromptID: promptID, Nodes: nodes}
}
