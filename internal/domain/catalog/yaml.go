package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// Document is the on-disk shape of a catalog file.
type Document struct {
	Risks  []Risk        `yaml:"risks"`
	Orders []OrderRecord `yaml:"orders"`
}

// OrderRecord is an order as written in a catalog file. Params are free-form
// mappings that are passed to the monitoring agent as JSON.
type OrderRecord struct {
	ID           int            `yaml:"id"`
	Description  string         `yaml:"description"`
	StartCommand string         `yaml:"start_command"`
	StartParams  map[string]any `yaml:"start_params"`
	StopCommand  string         `yaml:"stop_command"`
	StopParams   map[string]any `yaml:"stop_params"`
	StartWeek    int            `yaml:"start_week"`
	EndWeek      *int           `yaml:"end_week"`
	AfterBirth   bool           `yaml:"after_birth"`
	Risks        []string       `yaml:"risks"`
}

func (r OrderRecord) toOrder() (Order, error) {
	o := Order{
		ID:           OrderID(r.ID),
		Description:  r.Description,
		StartCommand: r.StartCommand,
		StopCommand:  r.StopCommand,
		StartWeek:    r.StartWeek,
		EndWeek:      r.EndWeek,
		AfterBirth:   r.AfterBirth,
		GatingRisks:  NewRiskSet(),
	}
	for _, code := range r.Risks {
		o.GatingRisks[RiskCode(code)] = struct{}{}
	}
	var err error
	if o.StartParams, err = encodeParams(r.StartParams); err != nil {
		return Order{}, fmt.Errorf("order %d start params: %w", r.ID, err)
	}
	if o.StopParams, err = encodeParams(r.StopParams); err != nil {
		return Order{}, fmt.Errorf("order %d stop params: %w", r.ID, err)
	}
	return o, nil
}

func encodeParams(p map[string]any) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// FromYAML parses and validates a catalog document.
func FromYAML(data []byte) (*Catalog, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	orders := make([]Order, 0, len(doc.Orders))
	for _, rec := range doc.Orders {
		o, err := rec.toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return New(doc.Risks, orders)
}

// LoadYAML reads a catalog file from disk.
func LoadYAML(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return FromYAML(data)
}

// Default returns the reference catalog shipped with the binary.
func Default() (*Catalog, error) {
	return FromYAML(defaultCatalogYAML)
}
