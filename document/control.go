package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hupe1980/rtpart/model"
)

// ErrMalformedControl is returned when a control document misses required fields.
var ErrMalformedControl = errors.New("malformed control document")

// AlterTable asks the partition to switch to a new schema.
type AlterTable struct {
	BuildID       string
	ConfigPath    string
	SchemaVersion model.SchemaVersion
	Locator       model.Locator
}

// Bulkload asks the partition to import externally prepared files.
type Bulkload struct {
	BuildID       string
	BulkloadID    string
	ExternalFiles []string
	ImportOptions ImportOptions
	Locator       model.Locator
}

// ImportOptions tune an external file import.
type ImportOptions struct {
	// Mode is "append" (default) or "replace".
	Mode string `json:"mode,omitempty"`
	// IgnoreDuplicates skips documents whose pk already exists.
	IgnoreDuplicates bool `json:"ignore_duplicates,omitempty"`
}

// ParseAlterTable extracts an alter-schema command from a raw document.
func ParseAlterTable(r *Raw) (*AlterTable, error) {
	if r.Cmd() != CmdAlter {
		return nil, fmt.Errorf("%w: cmd %q", ErrMalformedControl, r.Cmd())
	}
	cmd := &AlterTable{
		BuildID:    r.String(FieldBuildID),
		ConfigPath: r.String(FieldConfigPath),
		Locator:    r.Locator,
	}
	v, err := parseUint(r.Fields[FieldSchemaVersion])
	if err != nil {
		return nil, fmt.Errorf("%w: schema_version: %w", ErrMalformedControl, err)
	}
	cmd.SchemaVersion = model.SchemaVersion(v)
	if cmd.ConfigPath == "" {
		return nil, fmt.Errorf("%w: missing config_path", ErrMalformedControl)
	}
	return cmd, nil
}

// ParseBulkload extracts a bulk-load command from a raw document.
func ParseBulkload(r *Raw) (*Bulkload, error) {
	if r.Cmd() != CmdBulkload {
		return nil, fmt.Errorf("%w: cmd %q", ErrMalformedControl, r.Cmd())
	}
	cmd := &Bulkload{
		BuildID:    r.String(FieldBuildID),
		BulkloadID: r.String(FieldBulkloadID),
		Locator:    r.Locator,
	}
	switch files := r.Fields[FieldExternalFiles].(type) {
	case []any:
		for _, f := range files {
			s, ok := f.(string)
			if !ok {
				return nil, fmt.Errorf("%w: external_files entry %v", ErrMalformedControl, f)
			}
			cmd.ExternalFiles = append(cmd.ExternalFiles, s)
		}
	case []string:
		cmd.ExternalFiles = append(cmd.ExternalFiles, files...)
	case string:
		for _, f := range strings.Split(files, ",") {
			if f = strings.TrimSpace(f); f != "" {
				cmd.ExternalFiles = append(cmd.ExternalFiles, f)
			}
		}
	}
	if len(cmd.ExternalFiles) == 0 {
		return nil, fmt.Errorf("%w: no external_files", ErrMalformedControl)
	}
	switch opts := r.Fields[FieldImportOptions].(type) {
	case string:
		if opts != "" {
			if err := json.Unmarshal([]byte(opts), &cmd.ImportOptions); err != nil {
				return nil, fmt.Errorf("%w: import_options: %w", ErrMalformedControl, err)
			}
		}
	case map[string]any:
		data, err := json.Marshal(opts)
		if err != nil {
			return nil, fmt.Errorf("%w: import_options: %w", ErrMalformedControl, err)
		}
		if err := json.Unmarshal(data, &cmd.ImportOptions); err != nil {
			return nil, fmt.Errorf("%w: import_options: %w", ErrMalformedControl, err)
		}
	}
	return cmd, nil
}

func parseUint(v any) (uint64, error) {
	switch x := v.(type) {
	case float64:
		if x < 0 {
			return 0, fmt.Errorf("negative value %v", x)
		}
		return uint64(x), nil
	case string:
		return strconv.ParseUint(x, 10, 32)
	case json.Number:
		return strconv.ParseUint(x.String(), 10, 32)
	case nil:
		return 0, errors.New("missing value")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
