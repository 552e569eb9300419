// Package station holds the per-station routing table used by the connection
// dispatcher and the sources it is loaded from.
package station

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// Parameters describes how one station is routed to its data consumer.
type Parameters struct {
	StationName             string `json:"station_name" yaml:"station_name"`
	Port                    int    `json:"port" yaml:"port"`
	Acquired                bool   `json:"acquired" yaml:"acquired"`
	FrameProcessingDisabled bool   `json:"frame_processing_disabled" yaml:"frame_processing_disabled"`
}

// Validate checks name and port range.
func (p Parameters) Validate() error {
	if p.StationName == "" {
		return fmt.Errorf("%w: station name is empty", errors.ErrInvalidConfig)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: station %s port %d out of range 1-65535", errors.ErrInvalidConfig, p.StationName, p.Port)
	}
	return nil
}

// Table is an immutable snapshot of station parameters keyed by name.
type Table struct {
	byName   map[string]Parameters
	loadedAt time.Time
}

// NewTable validates params and indexes them by station name. Duplicate
// names are rejected.
func NewTable(params []Parameters) (*Table, error) {
	byName := make(map[string]Parameters, len(params))
	for _, p := range params {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[p.StationName]; dup {
			return nil, fmt.Errorf("%w: duplicate station %s", errors.ErrInvalidConfig, p.StationName)
		}
		byName[p.StationName] = p
	}
	return &Table{byName: byName, loadedAt: time.Now()}, nil
}

// Lookup returns the parameters for name.
func (t *Table) Lookup(name string) (Parameters, bool) {
	if t == nil {
		return Parameters{}, false
	}
	p, ok := t.byName[name]
	return p, ok
}

// Len returns the number of stations.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byName)
}

// LoadedAt returns when the snapshot was built.
func (t *Table) LoadedAt() time.Time {
	return t.loadedAt
}

// Names returns all station names, sorted.
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(t.byName))
}

// Ignored returns the sorted names of stations that are not acquired.
func (t *Table) Ignored() []string {
	var names []string
	for _, name := range t.Names() {
		if !t.byName[name].Acquired {
			names = append(names, name)
		}
	}
	return names
}

// Acquired returns the number of stations with acquisition enabled.
func (t *Table) Acquired() int {
	n := 0
	for _, p := range t.byName {
		if p.Acquired {
			n++
		}
	}
	return n
}
