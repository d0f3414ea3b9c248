// Package heuristic holds the text transforms applied to process output
// before it is delivered to a chat thread.
//
// A Pipeline is built once per process from a Config and reapplied to every
// chunk that process produces. New transforms are added with Register; the
// multiplexer and dispatcher only ever see a Pipeline.
package heuristic

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Heuristic is a pure text transform.
type Heuristic interface {
	Name() string
	Apply(text string) string
}

// Constructor builds a Heuristic from its configuration value.
type Constructor func(value any) (Heuristic, error)

var (
	regMu        sync.RWMutex
	constructors = map[string]Constructor{
		"width":      newWidth,
		"wordwrap":   newWordWrap,
		"truncate":   newTruncate,
		"max_lines":  newMaxLines,
		"strip_ansi": newStripANSI,
	}
)

// Register adds or replaces the constructor for name.
func Register(name string, c Constructor) {
	regMu.Lock()
	constructors[name] = c
	regMu.Unlock()
}

// Names returns the registered heuristic names in sorted order.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(constructors))
	for n := range constructors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func lookup(name string) (Constructor, bool) {
	regMu.RLock()
	c, ok := constructors[name]
	regMu.RUnlock()
	return c, ok
}

// Pipeline is an ordered list of heuristics. The zero value is the identity transform.
type Pipeline []Heuristic

// Build constructs the pipeline described by cfg, preserving its order.
func Build(cfg Config) (Pipeline, error) {
	if len(cfg) == 0 {
		return nil, nil
	}
	p := make(Pipeline, 0, len(cfg))
	for _, e := range cfg {
		c, ok := lookup(e.Name)
		if !ok {
			return nil, fmt.Errorf("unknown heuristic %q (known: %s)", e.Name, strings.Join(Names(), ", "))
		}
		h, err := c(e.Value)
		if err != nil {
			return nil, fmt.Errorf("heuristic %s: %w", e.Name, err)
		}
		p = append(p, h)
	}
	return p, nil
}

// Apply threads text through every heuristic in order.
func (p Pipeline) Apply(text string) string {
	for _, h := range p {
		text = h.Apply(text)
	}
	return text
}

// Names lists the heuristics in pipeline order.
func (p Pipeline) Names() []string {
	out := make([]string, len(p))
	for i, h := range p {
		out[i] = h.Name()
	}
	return out
}
