package templates

import (
	"context"
	"sync"

	"github.com/bissquit/notification-dispatch/internal/domain"
)

// StaticSource serves templates from memory. Used for development and tests.
type StaticSource struct {
	mu   sync.RWMutex
	defs map[string]domain.TemplateDefinition
}

// NewStaticSource creates a source holding the given definitions.
func NewStaticSource(defs ...domain.TemplateDefinition) *StaticSource {
	s := &StaticSource{defs: make(map[string]domain.TemplateDefinition, len(defs))}
	for _, d := range defs {
		s.defs[cacheKey(d.Slug, "", d.Locale)] = d
	}
	return s
}

// Put replaces a definition.
func (s *StaticSource) Put(def domain.TemplateDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[cacheKey(def.Slug, "", def.Locale)] = def
}

// Fetch implements Source.
func (s *StaticSource) Fetch(_ context.Context, slug, locale string) (*domain.TemplateDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[cacheKey(slug, "", locale)]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return &def, nil
}
