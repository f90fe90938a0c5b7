package cache

import (
	"fmt"
	"strings"
)

const (
	DriverMemory = "memory"
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

type Options struct {
	Driver         string
	Path           string
	MaxObjectBytes int64
}

// Open builds the Storage selected by opts.Driver. The memory driver ignores
// Path; the persistent drivers require it.
func Open(opts Options) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverMemory:
		return NewMemoryStorage(opts.MaxObjectBytes), nil
	case DriverBolt:
		return OpenBolt(opts.Path, opts.MaxObjectBytes)
	case DriverSQLite:
		return OpenSQLite(opts.Path, opts.MaxObjectBytes)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", opts.Driver)
	}
}
