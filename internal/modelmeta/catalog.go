// Package modelmeta maintains the catalog of models the gateway accepts and
// maps wire model ids onto backend model names.
package modelmeta

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry describes one model the gateway will accept.
type Entry struct {
	ID          string `yaml:"id" json:"id"`
	BackendName string `yaml:"backend_name" json:"backend_name"`
	OwnedBy     string `yaml:"owned_by" json:"owned_by"`
	Created     int64  `yaml:"created" json:"created"`
}

// Catalog holds the accepted models with simple lookups. Reads dominate, so
// lookups take the read lock only.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
}

// builtin covers the backend's model aliases out of the box. A catalog file
// replaces this set entirely.
var builtin = []Entry{
	{ID: "opus", BackendName: "opus", OwnedBy: "agentgate"},
	{ID: "sonnet", BackendName: "sonnet", OwnedBy: "agentgate"},
	{ID: "haiku", BackendName: "haiku", OwnedBy: "agentgate"},
}

// NewCatalog returns a catalog seeded with the builtin models.
func NewCatalog() *Catalog {
	c := &Catalog{entries: make(map[string]Entry)}
	now := time.Now().Unix()
	for _, e := range builtin {
		if e.Created == 0 {
			e.Created = now
		}
		c.entries[e.ID] = e
		c.order = append(c.order, e.ID)
	}
	return c
}

// LoadFile replaces the catalog contents from a YAML file of the shape:
//
//	models:
//	  - id: sonnet
//	    backend_name: sonnet
//	    owned_by: agentgate
func (c *Catalog) LoadFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read model catalog: %w", err)
	}
	var doc struct {
		Models []Entry `yaml:"models"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(doc.Models) == 0 {
		return 0, fmt.Errorf("model catalog %s contains no models", path)
	}
	entries := make(map[string]Entry, len(doc.Models))
	order := make([]string, 0, len(doc.Models))
	now := time.Now().Unix()
	for _, e := range doc.Models {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return 0, fmt.Errorf("model catalog %s: entry with empty id", path)
		}
		if e.BackendName == "" {
			e.BackendName = id
		}
		if e.Created == 0 {
			e.Created = now
		}
		if _, dup := entries[id]; dup {
			return 0, fmt.Errorf("model catalog %s: duplicate id %q", path, id)
		}
		e.ID = id
		entries[id] = e
		order = append(order, id)
	}
	c.mu.Lock()
	c.entries = entries
	c.order = order
	c.mu.Unlock()
	return len(order), nil
}

// Resolve returns the backend model name for a wire model id.
func (c *Catalog) Resolve(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[strings.TrimSpace(id)]
	if !ok {
		return "", false
	}
	return e.BackendName, true
}

// Supported reports whether the id is in the catalog.
func (c *Catalog) Supported(id string) bool {
	_, ok := c.Resolve(id)
	return ok
}

// IDs returns the accepted model ids in declaration order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Entries returns all entries sorted by id for stable listings.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
