// Package configstore defines the storage contract for machine definitions.
package configstore

// Store loads and saves one document. Implementations decide where it
// lives (file, database) and how it is encoded.
type Store interface {
	Load(out any) error
	Save(data any) error
}
