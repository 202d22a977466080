// Package bulk reads and writes the external files imported by bulk-load
// control documents.
//
// External files are Parquet files with one row per document. Document fields
// are carried as a JSON object so files stay readable across schema versions.
package bulk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hupe1980/rtpart/document"
	"github.com/parquet-go/parquet-go"
)

// Ext is the file extension of external files.
const Ext = ".parquet"

// ErrUnsupportedFile is returned for files that are not Parquet files.
var ErrUnsupportedFile = errors.New("unsupported external file")

// Record is one row of an external file.
type Record struct {
	PK        string `parquet:"pk"`
	Op        string `parquet:"op"`
	Fields    string `parquet:"fields"`
	Timestamp int64  `parquet:"ts"`
}

// Resolve returns path made absolute against root.
func Resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// ReadFile reads all documents of an external file.
func ReadFile(path string) ([]*document.Document, error) {
	if filepath.Ext(path) != Ext {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	pr := parquet.NewGenericReader[Record](pf)
	defer pr.Close()

	rows := make([]Record, pr.NumRows())
	if _, err := pr.Read(rows); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}

	docs := make([]*document.Document, 0, len(rows))
	for i, r := range rows {
		d, err := r.toDocument()
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i, err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// WriteFile writes docs to a new external file.
func WriteFile(path string, docs []*document.Document) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	pw := parquet.NewGenericWriter[Record](f, parquet.Compression(&parquet.Zstd))
	rows := make([]Record, 0, len(docs))
	for _, d := range docs {
		r, err := fromDocument(d)
		if err != nil {
			_ = f.Close()
			return err
		}
		rows = append(rows, r)
	}

	if _, err := pw.Write(rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := pw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (r Record) toDocument() (*document.Document, error) {
	if r.PK == "" {
		return nil, errors.New("missing pk")
	}
	d := &document.Document{PK: r.PK, Timestamp: r.Timestamp}
	switch document.Cmd(r.Op) {
	case "", document.CmdAdd:
		d.Op = document.OpAdd
	case document.CmdDelete:
		d.Op = document.OpDelete
	default:
		return nil, fmt.Errorf("unknown op %q", r.Op)
	}
	if r.Fields != "" {
		if err := json.Unmarshal([]byte(r.Fields), &d.Fields); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
	}
	return d, nil
}

func fromDocument(d *document.Document) (Record, error) {
	r := Record{PK: d.PK, Op: string(document.CmdAdd), Timestamp: d.Timestamp}
	if d.Op == document.OpDelete {
		r.Op = string(document.CmdDelete)
	}
	if len(d.Fields) > 0 {
		data, err := json.Marshal(d.Fields)
		if err != nil {
			return Record{}, err
		}
		r.Fields = string(data)
	}
	return r, nil
}
