// Package memory holds the per-user structured memory extracted from tool
// output: typed collections of business entities merged by id across a
// conversation. The extractor mines tool-result messages for tagged JSON
// blocks and coerces freeform output through the deterministic LLM variant
// when tagging is absent or broken.
package memory

import (
	"encoding/json"
	"strconv"
)

// Entity is one extracted record. The id field identifies it within its
// collection; everything else is carried verbatim.
type Entity map[string]any

// ID returns the entity identifier, normalizing numeric ids to strings.
func (e Entity) ID() string {
	switch v := e["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// StructuredMemory is the per-user entity store. Collections are fixed;
// unknown entity types in tool output are ignored.
type StructuredMemory struct {
	Accounts      []Entity `json:"accounts,omitempty"`
	Contacts      []Entity `json:"contacts,omitempty"`
	Opportunities []Entity `json:"opportunities,omitempty"`
	Cases         []Entity `json:"cases,omitempty"`
	Tasks         []Entity `json:"tasks,omitempty"`
	Leads         []Entity `json:"leads,omitempty"`
}

// CollectionNames lists the entity collections in canonical order.
var CollectionNames = []string{"accounts", "contacts", "opportunities", "cases", "tasks", "leads"}

func (m *StructuredMemory) collection(name string) *[]Entity {
	switch name {
	case "accounts":
		return &m.Accounts
	case "contacts":
		return &m.Contacts
	case "opportunities":
		return &m.Opportunities
	case "cases":
		return &m.Cases
	case "tasks":
		return &m.Tasks
	case "leads":
		return &m.Leads
	default:
		return nil
	}
}

// Merge folds delta into m collection by collection and reports how many
// entities were applied. Entities match by id; an incoming entity replaces
// the existing one wholesale, new ids append in arrival order. Entities
// without an id are not mergeable and are skipped.
func (m *StructuredMemory) Merge(delta StructuredMemory) int {
	applied := 0
	for _, name := range CollectionNames {
		applied += mergeEntities(m.collection(name), *delta.collection(name))
	}
	return applied
}

func mergeEntities(dst *[]Entity, incoming []Entity) int {
	if len(incoming) == 0 {
		return 0
	}

	index := make(map[string]int, len(*dst))
	for i, e := range *dst {
		index[e.ID()] = i
	}

	applied := 0
	for _, in := range incoming {
		id := in.ID()
		if id == "" {
			continue
		}
		if i, ok := index[id]; ok {
			(*dst)[i] = in
		} else {
			index[id] = len(*dst)
			*dst = append(*dst, in)
		}
		applied++
	}
	return applied
}

// Size is the total entity count across collections.
func (m *StructuredMemory) Size() int {
	n := 0
	for _, name := range CollectionNames {
		n += len(*m.collection(name))
	}
	return n
}

// IsEmpty reports whether no entities are stored.
func (m *StructuredMemory) IsEmpty() bool {
	return m.Size() == 0
}
