package corcache

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corfs"
)

// CacheSystemType is an identifier for supported CacheSystems
type CacheSystemType int

// Identifiers for supported CacheSystemTypes
const (
	NoCache CacheSystemType = iota
	Local
)

func (t CacheSystemType) String() string {
	switch t {
	case NoCache:
		return "none"
	case Local:
		return "local"
	}
	return fmt.Sprintf("CacheSystemType(%d)", int(t))
}

// CacheSystem represent a ephemeral file system used for intermediate state between map/reduce phases
type CacheSystem interface {
	corfs.FileSystem

	Deploy() error
	Undeploy() error

	// Flush writes every cached file to the given filesystem.
	Flush(system corfs.FileSystem) error
	Clear() error
}

// NewCacheSystem intializes a CacheSystem of the given type
func NewCacheSystem(csType CacheSystemType) (CacheSystem, error) {
	switch csType {
	case NoCache:
		log.Info("No CacheSystem availible, using FileSystem as fallback")
		return nil, nil
	case Local:
		return NewLocalInMemoryProvider(viper.GetUint64("cacheSize")), nil
	default:
		return nil, fmt.Errorf("unknown cache type or not yet implemented %d", csType)
	}
}

// CacheSystemTypes returns a type for a given CacheSystem or the NoCache type.
func CacheSystemTypes(cs CacheSystem) CacheSystemType {
	if cs == nil {
		return NoCache
	}

	if _, ok := cs.(*LocalCache); ok {
		return Local
	}
	return NoCache
}
