package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/machinist/pkg/config"
)

func TestNewStoreFile(t *testing.T) {
	s, err := config.NewStore(config.FileStore, &config.FileConfig{Path: "machine.yaml"})
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestNewStoreWrongConfigType(t *testing.T) {
	_, err := config.NewStore(config.FileStore, &config.MongoConfig{})
	assert.Error(t, err)
}

func TestNewStoreInvalidType(t *testing.T) {
	_, err := config.NewStore(config.StoreType(99), nil)
	assert.ErrorIs(t, err, config.ErrInvalidStoreType)
}

func TestLoadDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	s, err := config.NewStore(config.FileStore, &config.FileConfig{Path: path})
	require.NoError(t, err)

	def := config.Definition{Name: "box", Options: map[string]string{"driver": "digitalocean"}}
	require.NoError(t, s.Save(&def))

	loaded, err := config.LoadDefinition(s)
	require.NoError(t, err)
	assert.Equal(t, "box", loaded.Name)
	assert.Equal(t, ".", loaded.Dir, "empty dir defaults to the current directory")
	assert.Equal(t, "digitalocean", loaded.Options["driver"])
}

func TestLoadDefinitionRequiresName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	s, err := config.NewStore(config.FileStore, &config.FileConfig{Path: path})
	require.NoError(t, err)

	def := config.Definition{Dir: "."}
	require.NoError(t, s.Save(&def))

	_, err = config.LoadDefinition(s)
	assert.Error(t, err)
}
