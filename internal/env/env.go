// Package env composes the environment handed to spawned children.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers environment variables: an optional OS base, proxy-wide globals,
// then per-command overrides. It is immutable once built; WithSet returns a copy.
type Env struct {
	useOS bool
	vars  Var
}

// New returns an Env. When useOS is true the proxy's own environment is the base layer.
func New(useOS bool) *Env {
	return &Env{useOS: useOS, vars: make(Var)}
}

// FromPairs builds an Env with the given "K=V" globals. Malformed entries are skipped.
func FromPairs(useOS bool, kvs []string) *Env {
	e := New(useOS)
	for k, v := range parse(kvs) {
		e.vars[k] = v
	}
	return e
}

// WithSet returns a copy of e with K=V added.
func (e *Env) WithSet(k, v string) *Env {
	out := &Env{useOS: e.useOS, vars: make(Var, len(e.vars)+1)}
	for kk, vv := range e.vars {
		out.vars[kk] = vv
	}
	if k != "" {
		out.vars[k] = v
	}
	return out
}

// Merge composes the final environment: OS base (if enabled), globals,
// then perCmd ("K=V") overrides, with one pass of ${VAR} expansion against
// the composed map. The result is sorted by key.
func (e *Env) Merge(perCmd []string) []string {
	m := make(Var)
	if e.useOS {
		for k, v := range parse(os.Environ()) {
			m[k] = v
		}
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(perCmd) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
