package functions

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/m2tx/voice_agent/internal/agent"
)

// Catalog overrides how registered actions are presented: what is said
// before they run, which cooldown family they share and how long it lasts.
//
//	cooldowns:
//	  facility_search: 2s
//	actions:
//	  findHotelRoom:
//	    say: One moment while I look for rooms.
//	    family: facility_search
type Catalog struct {
	Cooldowns map[string]time.Duration `yaml:"cooldowns"`
	Actions   map[string]CatalogEntry  `yaml:"actions"`
}

type CatalogEntry struct {
	Description *string `yaml:"description"`
	Say         *string `yaml:"say"`
	Family      *string `yaml:"family"`
	Terminal    *bool   `yaml:"terminal"`
	Disabled    bool    `yaml:"disabled"`
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %q: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog: %q: %w", path, err)
	}
	return c, nil
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	for family, window := range c.Cooldowns {
		if window < 0 {
			return nil, fmt.Errorf("cooldown of %q is negative", family)
		}
	}
	return &c, nil
}

// Apply merges the catalog into decls. Entries naming an action that is not
// declared are an error; disabled actions are removed from the result.
func (c *Catalog) Apply(decls []*agent.FunctionDeclaration) ([]*agent.FunctionDeclaration, error) {
	if c == nil {
		return decls, nil
	}

	known := make(map[string]*agent.FunctionDeclaration, len(decls))
	for _, fd := range decls {
		known[fd.Name] = fd
	}

	var unknown []string
	for name := range c.Actions {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("catalog: unknown actions: %s", strings.Join(unknown, ", "))
	}

	out := make([]*agent.FunctionDeclaration, 0, len(decls))
	for _, fd := range decls {
		entry, ok := c.Actions[fd.Name]
		if !ok {
			out = append(out, fd)
			continue
		}
		if entry.Disabled {
			continue
		}
		if entry.Description != nil {
			fd.Description = *entry.Description
		}
		if entry.Say != nil {
			fd.Say = *entry.Say
		}
		if entry.Family != nil {
			fd.Family = *entry.Family
		}
		if entry.Terminal != nil {
			fd.Terminal = *entry.Terminal
		}
		out = append(out, fd)
	}
	return out, nil
}
