package bin

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/basalt/vertex"
)

// Static is a bin whose vertex data is set directly.
type Static struct {
	id ID

	mu   sync.Mutex
	last time.Time
	data map[ImageSource][]vertex.Vertex
	err  error
}

// NewStatic creates an empty Static bin.
func NewStatic() *Static {
	return &Static{id: NewID(), last: time.Now()}
}

// ID implements Bin.
func (s *Static) ID() ID { return s.id }

// LastUpdate implements Bin.
func (s *Static) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Set replaces the vertex data and advances LastUpdate.
func (s *Static) Set(data map[ImageSource][]vertex.Vertex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[ImageSource][]vertex.Vertex, len(data))
	for src, vs := range data {
		s.data[src] = slices.Clone(vs)
	}
	s.err = nil
	s.touchLocked()
}

// Fail makes ObtainVertexData return err.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.touchLocked()
}

func (s *Static) touchLocked() {
	now := time.Now()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
}

// ObtainVertexData implements Bin.
func (s *Static) ObtainVertexData(*UpdateContext) (map[ImageSource][]vertex.Vertex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := maps.Clone(s.data)
	for src, vs := range out {
		out[src] = slices.Clone(vs)
	}
	return out, nil
}
