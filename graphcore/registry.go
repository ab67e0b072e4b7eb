package graphcore

import (
	"fmt"
	"sort"
	"sync"
)

// DriverFactory creates a new driver instance.
type DriverFactory func() (Driver, error)

// Registry state - protected by mutex for thread-safe access.
var (
	registryMu sync.RWMutex
	drivers    = make(map[string]DriverFactory)
)

// Register registers a driver factory with the given name. It is typically
// called from init() in backend packages, following the database/sql
// driver pattern:
//
//	func init() {
//	    graphcore.Register("sim", func() (graphcore.Driver, error) {
//	        return New(Config{}), nil
//	    })
//	}
//
// Register panics if factory is nil or the name is already taken, so
// duplicate registrations surface during program initialization.
func Register(name string, factory DriverFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("graphcore: Register factory is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("graphcore: Register called twice for " + name)
	}
	drivers[name] = factory
}

// Unregister removes a driver from the registry. Primarily useful for
// tests; a no-op if the name is not registered.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(drivers, name)
}

// Open creates a new driver instance by name. The name must match a
// previously registered driver.
func Open(name string) (Driver, error) {
	registryMu.RLock()
	factory, ok := drivers[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("graphcore: unknown driver %q (forgotten import?)", name)
	}
	return factory()
}

// Drivers returns a sorted list of registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a driver with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := drivers[name]
	return ok
}
