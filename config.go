package relward

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the declarative form of a schema, loadable from YAML, JSON or
// the block DSL. Build turns it into a Registry.
type Config struct {
	Principal string         `json:"principal,omitempty" yaml:"principal,omitempty"`
	Entities  []EntityConfig `json:"entities" yaml:"entities"`
	Settings  Settings       `json:"settings,omitempty" yaml:"settings,omitempty"`
}

type EntityConfig struct {
	Name      string           `json:"name" yaml:"name"`
	Fields    []FieldConfig    `json:"fields,omitempty" yaml:"fields,omitempty"`
	Relations []RelationConfig `json:"relations,omitempty" yaml:"relations,omitempty"`
	Rules     []RuleConfig     `json:"rules,omitempty" yaml:"rules,omitempty"`
}

type FieldConfig struct {
	Name     string   `json:"name" yaml:"name"`
	Type     string   `json:"type" yaml:"type"`
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Min      *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Values   []string `json:"values,omitempty" yaml:"values,omitempty"`
}

type RelationConfig struct {
	Name        string `json:"name" yaml:"name"`
	Target      string `json:"target" yaml:"target"`
	Cardinality string `json:"cardinality" yaml:"cardinality"`
	Optional    bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type RuleConfig struct {
	Name       string   `json:"name,omitempty" yaml:"name,omitempty"`
	Operations []string `json:"operations" yaml:"operations"`
	Expr       string   `json:"expr" yaml:"expr"`
}

// Settings tunes the runtime around the schema: the decision log buffer
// and the read-through cache. Build ignores it; hosts feed it to the
// engine and store constructors.
type Settings struct {
	DecisionBuffer   int   `json:"decision_buffer,omitempty" yaml:"decision_buffer,omitempty"`
	CacheNumCounters int64 `json:"cache_num_counters,omitempty" yaml:"cache_num_counters,omitempty"`
	CacheMaxCost     int64 `json:"cache_max_cost,omitempty" yaml:"cache_max_cost,omitempty"`
	CacheBufferItems int64 `json:"cache_buffer_items,omitempty" yaml:"cache_buffer_items,omitempty"`
	CacheTTLSeconds  int64 `json:"cache_ttl_seconds,omitempty" yaml:"cache_ttl_seconds,omitempty"`
}

// SchemaLoader decodes schema documents from their wire formats.
type SchemaLoader struct{}

func NewSchemaLoader() *SchemaLoader { return &SchemaLoader{} }

func (l *SchemaLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode yaml schema: %w", err)
	}
	return cfg, nil
}

func (l *SchemaLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode json schema: %w", err)
	}
	return cfg, nil
}

// LoadDSL decodes the block DSL form.
func (l *SchemaLoader) LoadDSL(data []byte) (*Config, error) {
	return ParseDSL(string(data))
}

// ToYAML exports the config as YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports the config as indented JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ToDSL exports the config in the block DSL form.
func (c *Config) ToDSL() string {
	return EncodeDSL(c)
}

// Build validates the declarations and compiles every rule, yielding the
// immutable Registry the engine runs on.
func (c *Config) Build() (*Registry, error) {
	entities := make([]*EntityDefinition, 0, len(c.Entities))
	for _, ec := range c.Entities {
		def := &EntityDefinition{Name: ec.Name}
		for _, fc := range ec.Fields {
			def.Fields = append(def.Fields, FieldDefinition{
				Name:     fc.Name,
				Type:     FieldType(fc.Type),
				Required: fc.Required,
				Min:      fc.Min,
				Max:      fc.Max,
				Enum:     fc.Values,
			})
		}
		for _, rc := range ec.Relations {
			def.Relations = append(def.Relations, RelationDefinition{
				Name:        rc.Name,
				Target:      rc.Target,
				Cardinality: Cardinality(rc.Cardinality),
				Optional:    rc.Optional,
			})
		}
		for _, rc := range ec.Rules {
			ops := make([]Operation, 0, len(rc.Operations))
			for _, op := range rc.Operations {
				ops = append(ops, Operation(op))
			}
			def.Rules = append(def.Rules, PolicyRule{
				Name:       rc.Name,
				Operations: ops,
				Expression: rc.Expr,
			})
		}
		entities = append(entities, def)
	}
	return NewRegistry(c.Principal, entities...)
}
