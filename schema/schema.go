// Package schema loads table schemas and table settings from a deployed
// config directory.
//
// A config directory holds two YAML files:
//
//	schema.yaml  fields, primary key and schema version
//	table.yaml   engine kind and real-time settings
package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/hupe1980/rtpart/model"
	"gopkg.in/yaml.v3"
)

const (
	SchemaFileName = "schema.yaml"
	TableFileName  = "table.yaml"
)

var (
	// ErrInvalidSchema is returned for schemas that fail validation.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrIncompatibleSchema is returned when a schema cannot replace another one.
	ErrIncompatibleSchema = errors.New("incompatible schema")
)

// FieldType is the value type of a field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
)

// Field describes one schema field.
type Field struct {
	Name      string    `yaml:"name"`
	Type      FieldType `yaml:"type"`
	Index     bool      `yaml:"index,omitempty"`
	Attribute bool      `yaml:"attribute,omitempty"`
}

// Schema is the table schema.
type Schema struct {
	Table      string              `yaml:"table"`
	Version    model.SchemaVersion `yaml:"version"`
	PrimaryKey string              `yaml:"primary_key"`
	Fields     []Field             `yaml:"fields"`

	content string
}

// Parse decodes and validates a schema document.
func Parse(data []byte) (*Schema, error) {
	s := &Schema{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.content = string(data)
	return s, nil
}

// LoadSchema reads schema.yaml from a config directory.
func LoadSchema(configPath string) (*Schema, error) {
	data, err := os.ReadFile(filepath.Join(configPath, SchemaFileName))
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(data)
}

// Validate checks the schema is self-consistent.
func (s *Schema) Validate() error {
	if s.Table == "" {
		return fmt.Errorf("%w: missing table", ErrInvalidSchema)
	}
	if s.PrimaryKey == "" {
		return fmt.Errorf("%w: missing primary_key", ErrInvalidSchema)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field without name", ErrInvalidSchema)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case TypeString, TypeInt, TypeFloat, TypeBool:
		default:
			return fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidSchema, f.Name, f.Type)
		}
	}
	return nil
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	i := slices.IndexFunc(s.Fields, func(f Field) bool { return f.Name == name })
	if i < 0 {
		return Field{}, false
	}
	return s.Fields[i], true
}

// Content returns the YAML the schema was parsed from.
func (s *Schema) Content() string {
	if s.content != "" {
		return s.content
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}

// EffectiveFields summarizes indexed and attribute fields.
func (s *Schema) EffectiveFields() map[string][]string {
	out := map[string][]string{"index": {}, "attribute": {}}
	for _, f := range s.Fields {
		if f.Index {
			out["index"] = append(out["index"], f.Name)
		}
		if f.Attribute {
			out["attribute"] = append(out["attribute"], f.Name)
		}
	}
	return out
}

// CheckEvolution reports whether next may replace s.
// Versions must increase, the table and primary key must stay the same, and
// existing fields may not change type.
func (s *Schema) CheckEvolution(next *Schema) error {
	if next.Version <= s.Version {
		return fmt.Errorf("%w: version %d does not follow %d", ErrIncompatibleSchema, next.Version, s.Version)
	}
	if next.Table != s.Table || next.PrimaryKey != s.PrimaryKey {
		return fmt.Errorf("%w: table or primary key changed", ErrIncompatibleSchema)
	}
	for _, f := range s.Fields {
		nf, ok := next.Field(f.Name)
		if ok && nf.Type != f.Type {
			return fmt.Errorf("%w: field %q changed type %s -> %s", ErrIncompatibleSchema, f.Name, f.Type, nf.Type)
		}
	}
	return nil
}
