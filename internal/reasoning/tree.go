// Package reasoning builds the structured per-request trace that records
// retrieval stages, timings, and chunk id references for audit and debugging.
// Trees hold stable id references only, never chunk text.
package reasoning

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
)

// Node is one stage in the reasoning tree.
type Node struct {
	mu       sync.Mutex
	data     map[string]interface{}
	children []*Node
	started  time.Time
	elapsed  time.Duration
}

// NewTree creates a root node for a request trace.
func NewTree(operation string) *Node {
	n := &Node{data: map[string]interface{}{"operation": operation}}
	n.started = time.Now()
	return n
}

// Child attaches and returns a new child stage.
func (n *Node) Child(operation string) *Node {
	child := &Node{data: map[string]interface{}{"operation": operation}}
	n.mu.Lock()
	n.children = append(n.children, child)
	n.mu.Unlock()
	return child
}

// Set records a key/value on the node.
func (n *Node) Set(key string, value interface{}) {
	n.mu.Lock()
	n.data[key] = value
	n.mu.Unlock()
}

// Measure runs fn under a timed child stage.
func (n *Node) Measure(operation string, fn func(*Node)) {
	child := n.Child(operation)
	child.started = time.Now()
	defer func() { child.elapsed = time.Since(child.started) }()
	fn(child)
}

// StartMeasure begins timing this node; EndMeasure records the elapsed time.
func (n *Node) StartMeasure() { n.started = time.Now() }

// EndMeasure stops timing this node.
func (n *Node) EndMeasure() {
	n.mu.Lock()
	n.elapsed = time.Since(n.started)
	n.mu.Unlock()
}

type serializedNode struct {
	Data      map[string]interface{} `json:"data"`
	Children  []*serializedNode      `json:"children,omitempty"`
	ElapsedMs float64                `json:"elapsed_ms,omitempty"`
}

func (n *Node) serialize() *serializedNode {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := &serializedNode{Data: n.data}
	if n.elapsed > 0 {
		out.ElapsedMs = float64(n.elapsed.Microseconds()) / 1000.0
	}
	for _, c := range n.children {
		out.Children = append(out.Children, c.serialize())
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.serialize())
}

// Compress serializes the tree to JSON and Brotli-compresses it for storage.
func (n *Node) Compress() ([]byte, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates a stored tree payload back to its JSON form.
func Decompress(payload []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(payload))
	return io.ReadAll(r)
}
