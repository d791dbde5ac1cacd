package storage

import (
	"encoding/json"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SimpleKV is a map-backed KV. It is not safe for concurrent use.
type SimpleKV struct {
	Internal map[string]interface{}
}

func NewSimpleKV() *SimpleKV {
	return &SimpleKV{Internal: make(map[string]interface{})}
}

func (skv *SimpleKV) Get(key string) (interface{}, error) {
	value, ok := skv.Internal[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

func (skv *SimpleKV) Put(key string, value interface{}) error {
	skv.Internal[key] = value
	return nil
}

func (skv *SimpleKV) keys() []string {
	keys := make([]string, 0, len(skv.Internal))
	for key := range skv.Internal {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Hash returns the hex keccak256 digest of the entries in key order.
func (skv *SimpleKV) Hash() string {
	h := crypto.NewKeccakState()
	for _, key := range skv.keys() {
		_, err := h.Write([]byte(key))
		if err != nil {
			panic(err)
		}

		bytes, err := json.Marshal(skv.Internal[key])
		if err != nil {
			panic(err)
		}
		_, err = h.Write(bytes)
		if err != nil {
			panic(err)
		}
	}

	return hexutil.Encode(h.Sum(nil))
}
