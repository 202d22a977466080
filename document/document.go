package document

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/rtpart/model"
)

// Field names with a fixed meaning in raw documents.
const (
	FieldCmd           = "CMD"
	FieldPK            = "pk"
	FieldTimestamp     = "ts"
	FieldConfigPath    = "config_path"
	FieldSchemaVersion = "schema_version"
	FieldBuildID       = "build_id"
	FieldBulkloadID    = "bulkload_id"
	FieldExternalFiles = "external_files"
	FieldImportOptions = "import_options"
)

// Cmd is the command carried by a raw document.
type Cmd string

const (
	CmdAdd      Cmd = "add"
	CmdDelete   Cmd = "delete"
	CmdAlter    Cmd = "alter"
	CmdBulkload Cmd = "bulkload"
)

// Raw is a document as read from the stream.
type Raw struct {
	Fields  map[string]any
	Locator model.Locator
}

// ParseRaw decodes a JSON object into a Raw document.
func ParseRaw(data []byte, loc model.Locator) (*Raw, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode raw document: %w", err)
	}
	return &Raw{Fields: fields, Locator: loc}, nil
}

// Cmd returns the document command. Documents without CMD are adds.
func (r *Raw) Cmd() Cmd {
	if v, ok := r.Fields[FieldCmd].(string); ok && v != "" {
		return Cmd(v)
	}
	return CmdAdd
}

// IsControl reports whether the document is a control document.
func (r *Raw) IsControl() bool {
	c := r.Cmd()
	return c == CmdAlter || c == CmdBulkload
}

// String returns a string field or "".
func (r *Raw) String(name string) string {
	switch v := r.Fields[name].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

// Op is the mutation a Document applies.
type Op int

const (
	OpAdd Op = iota
	OpDelete
)

// Document is an indexable mutation produced by the transform stage.
type Document struct {
	PK        string
	Op        Op
	Fields    map[string]any
	Timestamp int64
	Locator   model.Locator
}

// Batch is a group of documents built together.
type Batch struct {
	Docs []*Document
	// Locator is the stream position after the last document of the batch.
	Locator model.Locator
}

// Len returns the number of documents.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Docs)
}
