// Package storage holds the key/value world state used by the in-process ledger.
package storage

import (
	"errors"
)

var ErrKeyNotFound error = errors.New("key not found")

// KV is a basic key-value mapping with a content hash. The hash is the state
// root stamped on every block.
type KV interface {
	Get(key string) (interface{}, error)
	Put(key string, value interface{}) error
	Hash() string
}

type KVFactory func() KV

func CreateSimpleKV() KV {
	return NewSimpleKV()
}
