// Package transform maps raw stream documents onto a table schema.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/google/cel-go/cel"
	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/schema"
)

var (
	// ErrInvalidDocument is returned for documents that cannot be mapped.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrControlDocument is returned when Process is handed a control document.
	ErrControlDocument = errors.New("control document")

	// ErrInvalidFilter is returned for filter expressions that do not compile.
	ErrInvalidFilter = errors.New("invalid filter")
)

type options struct {
	filter string
	logger *slog.Logger
}

// Option configures a Transformer.
type Option func(*options)

// WithFilter sets a CEL expression over `doc`. Added documents it rejects are dropped.
func WithFilter(expr string) Option {
	return func(o *options) { o.filter = expr }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Transformer turns raw documents into engine documents.
type Transformer struct {
	schema *schema.Schema
	filter cel.Program
	logger *slog.Logger
}

// New creates a transformer for s.
func New(s *schema.Schema, optFns ...Option) (*Transformer, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil schema", schema.ErrInvalidSchema)
	}
	o := options{logger: slog.Default()}
	for _, fn := range optFns {
		fn(&o)
	}

	t := &Transformer{schema: s, logger: o.logger.With("component", "transform", "table", s.Table)}
	if o.filter != "" {
		prg, err := compile(o.filter)
		if err != nil {
			return nil, err
		}
		t.filter = prg
	}
	return t, nil
}

func compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: %q does not yield bool", ErrInvalidFilter, expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	return prg, nil
}

// Schema returns the schema documents are mapped onto.
func (t *Transformer) Schema() *schema.Schema { return t.schema }

// Process maps one raw document. A filtered document yields an empty batch
// that still carries the raw locator.
func (t *Transformer) Process(raw *document.Raw) (*document.Batch, error) {
	if raw.IsControl() {
		return nil, ErrControlDocument
	}

	pk := raw.String(t.schema.PrimaryKey)
	if pk == "" {
		return nil, fmt.Errorf("%w: missing primary key %q", ErrInvalidDocument, t.schema.PrimaryKey)
	}
	d := &document.Document{PK: pk, Locator: raw.Locator}
	if ts, ok := toInt(raw.Fields[document.FieldTimestamp]); ok {
		d.Timestamp = ts
	}

	batch := &document.Batch{Locator: raw.Locator}
	switch raw.Cmd() {
	case document.CmdDelete:
		d.Op = document.OpDelete
	case document.CmdAdd:
		fields, err := t.mapFields(raw.Fields)
		if err != nil {
			return nil, err
		}
		keep, err := t.accept(fields)
		if err != nil {
			return nil, err
		}
		if !keep {
			return batch, nil
		}
		d.Fields = fields
	default:
		return nil, fmt.Errorf("%w: unknown cmd %q", ErrInvalidDocument, raw.Cmd())
	}

	batch.Docs = []*document.Document{d}
	return batch, nil
}

// mapFields keeps schema fields and coerces them to their declared type.
func (t *Transformer) mapFields(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(t.schema.Fields))
	for _, f := range t.schema.Fields {
		v, ok := in[f.Name]
		if !ok || v == nil {
			continue
		}
		cv, err := coerce(f.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %w", ErrInvalidDocument, f.Name, err)
		}
		out[f.Name] = cv
	}
	return out, nil
}

func (t *Transformer) accept(fields map[string]any) (bool, error) {
	if t.filter == nil {
		return true, nil
	}
	out, _, err := t.filter.Eval(map[string]any{"doc": fields})
	if err != nil {
		// Missing keys make expressions fail; such documents do not match.
		t.logger.Debug("filter evaluation failed", "error", err)
		return false, nil
	}
	keep, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: result is %T", ErrInvalidFilter, out.Value())
	}
	return keep, nil
}

func coerce(ft schema.FieldType, v any) (any, error) {
	switch ft {
	case schema.TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case float64, bool, json.Number:
			return fmt.Sprint(x), nil
		}
	case schema.TypeInt:
		if n, ok := toInt(v); ok {
			return n, nil
		}
	case schema.TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			return strconv.ParseFloat(x, 64)
		}
	case schema.TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, ft)
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	}
	return 0, false
}
