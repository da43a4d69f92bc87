package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/richinex/quarry/datasource"
)

// Catalog is a static list of data sources read from a YAML file:
//
//	datasources:
//	  - id: fires
//	    name: US wildfires
//	    type: sqlite
//	    path: data/fires.db
//	    meta:
//	      tables: [fires]
//	      notes: acres are integers
//
// Meta keys keep their file order.
type Catalog struct {
	DataSources []CatalogEntry `yaml:"datasources"`
}

// CatalogEntry is one data source and its schema description.
type CatalogEntry struct {
	datasource.Record `yaml:",inline"`
	Meta              datasource.Meta `yaml:"-"`
}

// UnmarshalYAML decodes the record fields and the ordered meta mapping.
func (e *CatalogEntry) UnmarshalYAML(node *yaml.Node) error {
	if err := node.Decode(&e.Record); err != nil {
		return err
	}
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "meta" {
			continue
		}
		meta, err := decodeMeta(node.Content[i+1])
		if err != nil {
			return fmt.Errorf("data source %q meta: %w", e.ID, err)
		}
		e.Meta = meta
	}
	return nil
}

func decodeMeta(node *yaml.Node) (datasource.Meta, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	var meta datasource.Meta
	for i := 0; i+1 < len(node.Content); i += 2 {
		var value any
		if err := node.Content[i+1].Decode(&value); err != nil {
			return nil, err
		}
		meta = meta.Set(node.Content[i].Value, value)
	}
	return meta, nil
}

// LoadCatalog reads a YAML catalogue from path and returns it validated.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog unmarshals YAML bytes into a validated Catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyDefaults fills in names and positions.
func (c *Catalog) applyDefaults() {
	for i := range c.DataSources {
		ds := &c.DataSources[i]
		ds.Kind = datasource.Kind(strings.ToLower(string(ds.Kind)))
		if ds.Name == "" {
			ds.Name = ds.ID
		}
		if ds.Position == 0 {
			ds.Position = i + 1
		}
	}
}

// validate checks ids, kinds and connection fields.
func (c *Catalog) validate() error {
	var errs []string
	seen := make(map[string]bool)
	for i, ds := range c.DataSources {
		if ds.ID == "" {
			errs = append(errs, fmt.Sprintf("datasources[%d].id is required", i))
			continue
		}
		if seen[ds.ID] {
			errs = append(errs, fmt.Sprintf("datasources[%d].id %q is duplicated", i, ds.ID))
		}
		seen[ds.ID] = true
		if _, err := datasource.New(ds.Record); err != nil {
			errs = append(errs, fmt.Sprintf("datasources[%d]: %v", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Store returns an in-memory data-source store holding the catalogue.
func (c *Catalog) Store() *datasource.MemoryStore {
	store := datasource.NewMemoryStore()
	for _, ds := range c.DataSources {
		store.Put(ds.Record, ds.Meta)
	}
	return store
}
