// Package storage defines the opaque key-value persistence boundary used
// by the keychain, the subscription store and the JSON-RPC history. Every
// value is an already-serialized blob (typically JSON); this package
// never interprets payload contents.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when key has no stored value.
var ErrNotFound = errors.New("storage: key not found")

// KVStore is the external storage boundary every persisted component in
// this module is built against. Keys follow the layout
// "wc@2:client//<subsystem>:<table>:<id>".
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every key with the given prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
