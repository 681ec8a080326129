package capture

import (
	"sync"

	"github.com/roach88/arcsim/internal/ir"
)

// Cell is a mutable storage location holding a scalar value: the boxed form
// of a local variable that a closure may capture by reference.
//
// Thread-safety: Load and Store are safe for concurrent use.
type Cell struct {
	mu    sync.RWMutex
	name  string
	value ir.IRValue
}

// NewCell creates a cell holding v. A nil v is stored as ir.IRNull.
func NewCell(name string, v ir.IRValue) *Cell {
	if v == nil {
		v = ir.IRNull{}
	}
	return &Cell{name: name, value: ir.Clone(v)}
}

// Name returns the variable name the cell was created for.
func (c *Cell) Name() string {
	return c.name
}

// Load returns a copy of the current value; editing it does not touch the
// cell.
func (c *Cell) Load() ir.IRValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ir.Clone(c.value)
}

// Store replaces the current value.
func (c *Cell) Store(v ir.IRValue) {
	if v == nil {
		v = ir.IRNull{}
	}
	v = ir.Clone(v)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
}
