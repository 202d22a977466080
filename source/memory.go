package source

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/model"
)

// ErrClosed is returned when using a closed stream or source.
var ErrClosed = errors.New("source closed")

// MemoryStream is an in-process append-only log. Sources opened on it share its data.
type MemoryStream struct {
	id string

	mu     sync.Mutex
	msgs   [][]byte
	sealed bool
	fail   int
}

// NewMemoryStream creates an empty stream with the given source id.
func NewMemoryStream(id string) *MemoryStream {
	return &MemoryStream{id: id}
}

// ID returns the source id carried by the stream's locators.
func (s *MemoryStream) ID() string { return s.id }

// Append adds a JSON document and returns its offset.
func (s *MemoryStream) Append(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return 0, ErrClosed
	}
	s.msgs = append(s.msgs, data)
	return int64(len(s.msgs) - 1), nil
}

// Seal ends the stream. Readers that reach the end get ReadEOF.
func (s *MemoryStream) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// FailReads makes the next n reads of any source on the stream fail.
func (s *MemoryStream) FailReads(n int) {
	s.mu.Lock()
	s.fail = n
	s.mu.Unlock()
}

// Latest returns the locator of the newest document.
func (s *MemoryStream) Latest() (model.Locator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return model.Locator{}, false
	}
	return model.Locator{SourceID: s.id, Offset: int64(len(s.msgs) - 1)}, true
}

// Open returns a source positioned at the start of the stream.
func (s *MemoryStream) Open() *Memory {
	return &Memory{stream: s}
}

// Factory returns a Factory opening sources on the stream.
func (s *MemoryStream) Factory() Factory {
	return func(context.Context) (Source, error) { return s.Open(), nil }
}

// Memory reads a MemoryStream.
type Memory struct {
	stream *MemoryStream
	next   int64
	closed bool
}

var (
	_ Source         = (*Memory)(nil)
	_ PositionOracle = (*Memory)(nil)
)

func (m *Memory) Read(ctx context.Context) (*document.Raw, model.Locator, ReadStatus) {
	if m.closed || ctx.Err() != nil {
		return nil, model.Locator{}, ReadException
	}

	s := m.stream
	s.mu.Lock()
	if s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return nil, model.Locator{}, ReadException
	}
	if m.next >= int64(len(s.msgs)) {
		sealed := s.sealed
		s.mu.Unlock()
		if sealed {
			return nil, model.Locator{}, ReadEOF
		}
		return nil, model.Locator{}, ReadWait
	}
	data := s.msgs[m.next]
	s.mu.Unlock()

	loc := model.Locator{SourceID: s.id, Offset: m.next}
	m.next++
	raw, err := document.ParseRaw(data, loc)
	if err != nil {
		return nil, loc, ReadException
	}
	return raw, loc, ReadOK
}

func (m *Memory) Seek(_ context.Context, loc model.Locator) error {
	if m.closed {
		return ErrClosed
	}
	if !loc.Valid() {
		m.next = 0
		return nil
	}
	if loc.SourceID != m.stream.id {
		return ErrForeignLocator
	}
	m.next = loc.Offset + 1
	return nil
}

func (m *Memory) MaxAvailablePosition(context.Context) (model.Locator, bool) {
	return m.stream.Latest()
}

func (m *Memory) Close() error {
	m.closed = true
	return nil
}
