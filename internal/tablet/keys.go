package tablet

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/hupe1980/rtpart/model"
)

var (
	docPrefix     = []byte("d/")
	docUpperBound = []byte("d0")

	metaLocator = []byte("m/locator")
	metaCount   = []byte("m/count")
	metaSchema  = []byte("m/schema")
)

func docKey(pk string) []byte {
	k := make([]byte, 0, len(docPrefix)+len(pk))
	k = append(k, docPrefix...)
	return append(k, pk...)
}

type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

// getValue returns a copy of the value of key, or nil if absent.
func getValue(g getter, key []byte) ([]byte, error) {
	v, closer, err := g.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func readLocator(g getter) (model.Locator, error) {
	v, err := getValue(g, metaLocator)
	if err != nil || v == nil {
		return model.Locator{}, err
	}
	var loc model.Locator
	if err := json.Unmarshal(v, &loc); err != nil {
		return model.Locator{}, err
	}
	return loc, nil
}

func encodeLocator(loc model.Locator) []byte {
	data, _ := json.Marshal(loc)
	return data
}

func readUint(g getter, key []byte) (uint64, error) {
	v, err := getValue(g, key)
	if err != nil || len(v) != 8 {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func encodeUint(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

// countDocs counts documents by iteration.
func countDocs(r pebble.Reader) (uint64, error) {
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: docPrefix, UpperBound: docUpperBound})
	if err != nil {
		return 0, err
	}
	var n uint64
	for valid := it.First(); valid; valid = it.Next() {
		n++
	}
	if err := it.Close(); err != nil {
		return 0, err
	}
	return n, nil
}
