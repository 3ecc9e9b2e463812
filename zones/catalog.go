// Copyright 2022 The zonerelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package zones holds the catalog of known zones and the sources it is loaded from.
package zones

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrEmptyCatalog the zone list supplied to Load is empty
var ErrEmptyCatalog = errors.New("zone catalog is empty")

// ErrDuplicateZone two zone records share the same normalized ID
var ErrDuplicateZone = errors.New("duplicate zone ID")

// ZoneDescriptor one known zone
type ZoneDescriptor struct {
	// ID is the zone identifier. Uppercase once loaded into a Catalog.
	ID string `json:"id" yaml:"id" validate:"required"`
	// Name is the human readable zone name
	Name string `json:"name" yaml:"name" validate:"required"`
	// RoutingPort is the port of the zone's upstream event source. 0 if not set.
	RoutingPort int `json:"routing_port" yaml:"routing_port" validate:"gte=0,lt=65536"`
}

// String toString function
func (z ZoneDescriptor) String() string {
	return fmt.Sprintf("%s(%s):%d", z.ID, z.Name, z.RoutingPort)
}

// Catalog immutable set of known zones
type Catalog struct {
	zones map[string]ZoneDescriptor
	order []string
}

// Normalize convert a zone name candidate to the catalog's canonical form. Only the case
// changes; padded candidates do not match any zone.
func Normalize(candidate string) string {
	return strings.ToUpper(candidate)
}

// Load build a catalog from the raw zone records
func Load(raw []ZoneDescriptor) (*Catalog, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyCatalog
	}
	validate := validator.New()
	catalog := &Catalog{zones: make(map[string]ZoneDescriptor, len(raw))}
	for _, record := range raw {
		// Directory and file records may carry stray whitespace
		record.ID = Normalize(strings.TrimSpace(record.ID))
		if err := validate.Struct(&record); err != nil {
			return nil, fmt.Errorf("invalid zone record %s: %w", record, err)
		}
		if _, ok := catalog.zones[record.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateZone, record.ID)
		}
		catalog.zones[record.ID] = record
		catalog.order = append(catalog.order, record.ID)
	}
	sort.Strings(catalog.order)
	return catalog, nil
}

// Normalize convert a zone name candidate to the catalog's canonical form
func (c *Catalog) Normalize(candidate string) string {
	return Normalize(candidate)
}

// IsKnown whether the candidate names a zone in the catalog. Case-insensitive.
func (c *Catalog) IsKnown(candidate string) bool {
	if candidate == "" {
		return false
	}
	_, ok := c.zones[Normalize(candidate)]
	return ok
}

// Get fetch a zone by ID. Case-insensitive.
func (c *Catalog) Get(candidate string) (ZoneDescriptor, bool) {
	zone, ok := c.zones[Normalize(candidate)]
	return zone, ok
}

// Zones list all zones sorted by ID
func (c *Catalog) Zones() []ZoneDescriptor {
	result := make([]ZoneDescriptor, 0, len(c.order))
	for _, id := range c.order {
		result = append(result, c.zones[id])
	}
	return result
}

// Len number of zones in the catalog
func (c *Catalog) Len() int {
	return len(c.order)
}
