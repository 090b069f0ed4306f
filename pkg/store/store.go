// Package store provides the namespaced persistent KV contract backing
// conversation state, structured memory and thread bookkeeping. Values are
// JSON documents; namespaces are string tuples such as (memory, <user_id>).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the key has no committed value.
var ErrNotFound = errors.New("store: key not found")

// Namespace is an ordered tuple of strings identifying a key space.
// Components must not contain '/'.
type Namespace []string

// NS builds a namespace from its components.
func NS(parts ...string) Namespace {
	return Namespace(parts)
}

// String returns the canonical encoded form used as the storage key prefix.
func (n Namespace) String() string {
	return strings.Join(n, "/")
}

// Store is the persistence contract. Implementations serialize writes per
// key; readers always observe the last committed value and are never blocked
// by writers.
type Store interface {
	// Get returns the raw JSON value for the key, or ErrNotFound.
	Get(ctx context.Context, ns Namespace, key string) (json.RawMessage, error)

	// Put upserts the value under the key. Non-RawMessage values are
	// marshaled first.
	Put(ctx context.Context, ns Namespace, key string, value any) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, ns Namespace, key string) error

	// List returns the keys in the namespace with the given prefix, sorted.
	// An empty prefix lists the whole namespace.
	List(ctx context.Context, ns Namespace, prefix string) ([]string, error)

	// Close releases the underlying engine.
	Close() error
}

// GetJSON decodes the stored value into out.
func GetJSON(ctx context.Context, s Store, ns Namespace, key string, out any) error {
	raw, err := s.Get(ctx, ns, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
