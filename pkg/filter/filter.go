// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// State is the per-connection scratch map handed to every unit. It belongs
// to one connection's goroutine and is never shared.
type State map[string]any

// Unit is a single named filter.
type Unit interface {
	// Name identifies the unit in configuration, logs and metrics.
	Name() string

	// Handle processes one message and returns its replacements. An error
	// marks the unit failed for this message; the pipeline keeps the
	// original message and continues.
	Handle(logger *slog.Logger, msg []byte, state State) ([][]byte, error)
}

// Constructor builds a unit instance for one pipeline.
type Constructor func() (Unit, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a filter constructor available under the given name. It
// panics if the name is already taken or the constructor is nil, matching
// the database/sql driver registration contract: both are programmer errors
// caught at process start.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if ctor == nil {
		panic("filter: Register with nil constructor for " + name)
	}
	if _, dup := registry[name]; dup {
		panic("filter: Register called twice for " + name)
	}
	registry[name] = ctor
}

// Names returns the registered filter names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs units for the given names in order. Blank names are
// skipped so a comma-separated config value with stray separators still
// works. An unknown name is a configuration error the caller should treat
// as fatal.
func Build(names []string) ([]Unit, error) {
	units := make([]Unit, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		registryMu.RLock()
		ctor, ok := registry[name]
		registryMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("filter: unknown filter %q (registered: %s)", name, strings.Join(Names(), ", "))
		}
		unit, err := ctor()
		if err != nil {
			return nil, fmt.Errorf("filter: constructing %q: %w", name, err)
		}
		units = append(units, unit)
	}
	return units, nil
}
