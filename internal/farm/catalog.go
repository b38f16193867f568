package farm

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// ProducerType describes one upgradable producer. Immutable once loaded.
type ProducerType struct {
	ID         string  `yaml:"id" json:"typeId"`
	Name       string  `yaml:"name" json:"name"`
	BaseRate   float64 `yaml:"base_rate" json:"baseRate"`
	RateGrowth float64 `yaml:"rate_growth" json:"rateGrowth"`
	BaseCost   float64 `yaml:"base_cost" json:"baseCost"`
	CostGrowth float64 `yaml:"cost_growth" json:"costGrowth"`
}

// Catalog is the process-wide producer table.
type Catalog struct {
	types []ProducerType
	byID  map[string]ProducerType
}

type catalogFile struct {
	Producers []ProducerType `yaml:"producers"`
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cat, err := ParseCatalog(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cat, nil
}

// ParseCatalog decodes YAML strictly; unknown keys are rejected.
func ParseCatalog(raw []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var f catalogFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("catalog yaml: %w", err)
	}
	return NewCatalog(f.Producers)
}

// NewCatalog validates types and builds a catalog. Any violation is a
// configuration error.
func NewCatalog(types []ProducerType) (*Catalog, error) {
	if len(types) == 0 {
		return nil, errors.New("catalog: no producers defined")
	}
	c := &Catalog{
		types: make([]ProducerType, 0, len(types)),
		byID:  make(map[string]ProducerType, len(types)),
	}
	for i, t := range types {
		if err := ValidateTypeID(t.ID); err != nil {
			return nil, fmt.Errorf("catalog: producer #%d: %w", i, err)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate producer %q", t.ID)
		}
		for name, v := range map[string]float64{
			"base_rate":   t.BaseRate,
			"rate_growth": t.RateGrowth,
			"base_cost":   t.BaseCost,
			"cost_growth": t.CostGrowth,
		} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("catalog: producer %q: %s must be finite", t.ID, name)
			}
		}
		if t.BaseRate < 0 || t.BaseCost < 0 {
			return nil, fmt.Errorf("catalog: producer %q: base values must be non-negative", t.ID)
		}
		// growth below 1 would make higher levels cheaper or weaker
		if t.RateGrowth < 1 || t.CostGrowth < 1 {
			return nil, fmt.Errorf("catalog: producer %q: growth factors must be >= 1", t.ID)
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		c.types = append(c.types, t)
		c.byID[t.ID] = t
	}
	return c, nil
}

// Types returns the producers in catalog order.
func (c *Catalog) Types() []ProducerType {
	out := make([]ProducerType, len(c.types))
	copy(out, c.types)
	return out
}

func (c *Catalog) Lookup(typeID string) (ProducerType, error) {
	t, ok := c.byID[typeID]
	if !ok {
		return ProducerType{}, fmt.Errorf("%w: %q", ErrUnknownProducer, typeID)
	}
	return t, nil
}

// Rate is the energy per second produced by typeID at level.
func (c *Catalog) Rate(typeID string, level int) (float64, error) {
	t, err := c.Lookup(typeID)
	if err != nil {
		return 0, err
	}
	return t.RateAt(level), nil
}

// UpgradeCost is the currency price of buying typeID while at level.
func (c *Catalog) UpgradeCost(typeID string, level int) (float64, error) {
	t, err := c.Lookup(typeID)
	if err != nil {
		return 0, err
	}
	return t.CostAt(level), nil
}

func (t ProducerType) RateAt(level int) float64 {
	return growth(t.BaseRate, t.RateGrowth, level)
}

func (t ProducerType) CostAt(level int) float64 {
	return growth(t.BaseCost, t.CostGrowth, level)
}

func growth(base, factor float64, level int) float64 {
	if base == 0 {
		return 0
	}
	if level < 0 {
		level = 0
	}
	v := base * math.Pow(factor, float64(level))
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return math.MaxFloat64
	}
	return v
}
