// Package config stores and loads machine definitions: the name, working
// directory, opaque driver options, and user environment a machine is built
// from.
package config

import (
	"errors"
	"fmt"

	"github.com/andrej220/machinist/pkg/config/configstore"
	"github.com/andrej220/machinist/pkg/config/filestore"
	"github.com/andrej220/machinist/pkg/config/mongostore"
)

// Definition is the persisted description of one machine.
type Definition struct {
	Name    string            `yaml:"name" json:"name" bson:"_id"`
	Dir     string            `yaml:"dir" json:"dir" bson:"dir"`
	Options map[string]string `yaml:"options" json:"options" bson:"options"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty" bson:"env,omitempty"`
}

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var ErrInvalidStoreType = errors.New("invalid store type")

// Store combines the base contract with optional change watching.
type Store interface {
	configstore.Store
	Watch(onChange func()) error
}

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	Machine  string `yaml:"machine" json:"machine"` // document ID
}

func NewStore(storeType StoreType, cfg any) (Store, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.Machine)
	default:
		return nil, ErrInvalidStoreType
	}
}

// LoadDefinition pulls one machine definition out of a store and applies
// minimal sanity checks.
func LoadDefinition(s configstore.Store) (*Definition, error) {
	var def Definition
	if err := s.Load(&def); err != nil {
		return nil, err
	}
	if def.Name == "" {
		return nil, fmt.Errorf("machine definition has no name")
	}
	if def.Dir == "" {
		def.Dir = "."
	}
	return &def, nil
}
