// Package store defines the key/value store used for infrastructure
// secrets such as the onion service key and cached ACME certificates.
package store

// Store represents a backend store.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}
