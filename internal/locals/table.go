// Package locals provides the local-variable metadata registry consulted on
// every method entry.
package locals

import (
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"calltrace/internal/scope"
)

// Table maps method signatures to their local variable slots.
// Thread-safe for concurrent access.
type Table struct {
	mu      sync.RWMutex
	methods map[string][]scope.Local
}

var _ scope.Locals = (*Table)(nil)

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{methods: make(map[string][]scope.Local)}
}

// Register records the locals of signature, replacing earlier entries.
func (t *Table) Register(signature string, locals ...scope.Local) {
	sorted := make([]scope.Local, len(locals))
	copy(sorted, locals)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods[signature] = sorted
}

// LocalsOf returns the locals of signature ordered by slot index.
func (t *Table) LocalsOf(signature string) []scope.Local {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.methods[signature]
}

// Len returns the number of registered methods.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.methods)
}

type document struct {
	Methods map[string][]scope.Local `yaml:"methods"`
}

// Parse decodes a YAML locals document:
//
//	methods:
//	  "A.main([Ljava/lang/String;)V":
//	    - {index: 0, name: args, type: "[Ljava/lang/String;"}
func Parse(data []byte) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse locals")
	}
	t := NewTable()
	for sig, ls := range doc.Methods {
		seen := make(map[int]struct{}, len(ls))
		for _, l := range ls {
			if l.Index < 0 {
				return nil, errors.Newf("%s: negative slot index %d", sig, l.Index)
			}
			if _, dup := seen[l.Index]; dup {
				return nil, errors.Newf("%s: slot %d declared twice", sig, l.Index)
			}
			seen[l.Index] = struct{}{}
		}
		t.Register(sig, ls...)
	}
	return t, nil
}

// Load reads a YAML locals document from path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read locals %s", path)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return t, nil
}
