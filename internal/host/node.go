// Package host is the contract between node implementations and the
// workflow host that schedules them.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"comfydeploy/internal/status"
)

// ErrInterrupted is returned when the host asked the running graph to stop
var ErrInterrupted = errors.New("execution interrupted")

// ErrMissingInput is returned by nodes when a required input is blank
var ErrMissingInput = errors.New("required input missing")

// PortType is a host data type name
type PortType string

const (
	TypeString  PortType = "STRING"
	TypeInt     PortType = "INT"
	TypeFloat   PortType = "FLOAT"
	TypeBoolean PortType = "BOOLEAN"
	TypeImage   PortType = "IMAGE"
	TypeAny     PortType = "*"
)

// Port describes one typed input or output
type Port struct {
	Name     string   `json:"name"`
	Type     PortType `json:"type"`
	Default  any      `json:"default,omitempty"`
	Optional bool     `json:"optional,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// Definition is what a node registers with the host
type Definition struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
	Inputs      []Port `json:"inputs"`
	Outputs     []Port `json:"outputs"`
	OutputNode  bool   `json:"output_node,omitempty"`
}

// Inputs are the values the host passes to Execute, keyed by port name
type Inputs map[string]any

// Outputs are the values Execute returns, keyed by port name
type Outputs map[string]any

// Node is a host plugin
type Node interface {
	Definition() Definition
	Execute(ctx context.Context, ec *ExecContext, in Inputs) (Outputs, error)
}

// ChangeDetector is the optional invalidation hook. The returned key is
// compared by the host with the previous one; a different key re-runs the node.
type ChangeDetector interface {
	IsChanged(ec *ExecContext, in Inputs) string
}

// Interrupter exposes the host's cooperative interrupt signal
type Interrupter interface {
	Interrupted() bool
}

// InterruptFlag is a settable Interrupter
type InterruptFlag struct {
	set atomic.Bool
}

// Interrupt raises the flag
func (f *InterruptFlag) Interrupt() { f.set.Store(true) }

// Interrupted reports whether the flag was raised
func (f *InterruptFlag) Interrupted() bool { return f != nil && f.set.Load() }

// CheckInterrupt returns ErrInterrupted when the context is done or the
// interrupter is set
func CheckInterrupt(ctx context.Context, i Interrupter) error {
	if ctx.Err() != nil {
		return ErrInterrupted
	}
	if i != nil && i.Interrupted() {
		return ErrInterrupted
	}
	return nil
}

// ExecContext carries per-invocation host services into a node
type ExecContext struct {
	NodeID    string
	ClientID  string
	Status    status.Emitter
	Interrupt Interrupter
	Session   *SessionStore
	Logger    *logrus.Entry
}

// Emit reports status text, tolerating a missing emitter
func (ec *ExecContext) Emit(ctx context.Context, text string) {
	if ec == nil || ec.Status == nil {
		return
	}
	ec.Status.Emit(ctx, text)
}

// Registry maps node names to implementations
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]Node)}
}

// Register adds a node; names must be unique
func (r *Registry) Register(n Node) error {
	def := n.Definition()
	if def.Name == "" {
		return fmt.Errorf("node definition has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[def.Name]; exists {
		return fmt.Errorf("node already registered: %s", def.Name)
	}
	r.nodes[def.Name] = n
	return nil
}

// Get gets a node by name
func (r *Registry) Get(name string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	return n, ok
}

// Definitions lists node definitions sorted by name
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.nodes))
	for _, n := range r.nodes {
		defs = append(defs, n.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// String returns the named input as a string, or def when absent
func (in Inputs) String(name, def string) string {
	switch v := in[name].(type) {
	case nil:
		return def
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the named input as an int, or def when absent or malformed
func (in Inputs) Int(name string, def int) int {
	switch v := in[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

// Bool returns the named input as a bool, or def when absent or malformed
func (in Inputs) Bool(name string, def bool) bool {
	switch v := in[name].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}
