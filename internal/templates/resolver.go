package templates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/notification-dispatch/internal/cache"
	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/bissquit/notification-dispatch/internal/kv"
	"github.com/google/uuid"
	"golang.org/x/text/language"
)

// Source fetches the active template definition for a slug and locale.
type Source interface {
	Fetch(ctx context.Context, slug, locale string) (*domain.TemplateDefinition, error)
}

// ResolverConfig holds resolver configuration.
type ResolverConfig struct {
	Cache         cache.Config
	DefaultLocale string
}

const genKeyPrefix = "template-gen:"

// Resolver resolves templates with locale fallback and renders them.
//
// Cache keys carry a per-slug generation token kept in the shared store.
// Invalidate replaces the token, which retires every cached locale of the
// slug for all processes using the same store.
type Resolver struct {
	aside         *cache.Aside[domain.TemplateDefinition]
	store         kv.Store
	source        Source
	config        cache.Config
	defaultLocale string
}

// NewResolver creates a template resolver.
func NewResolver(config ResolverConfig, store kv.Store, source Source) *Resolver {
	if config.Cache.Name == "" {
		config.Cache.Name = "templates"
	}
	if config.Cache.Prefix == "" {
		config.Cache.Prefix = "template:"
	}
	if config.Cache.StoreTimeout <= 0 {
		config.Cache.StoreTimeout = 300 * time.Millisecond
	}
	if config.Cache.LoadTimeout <= 0 {
		config.Cache.LoadTimeout = 300 * time.Millisecond
	}
	if config.DefaultLocale == "" {
		config.DefaultLocale = "en"
	}

	load := func(ctx context.Context, key string) (domain.TemplateDefinition, error) {
		slug, locale := splitKey(key)
		def, err := source.Fetch(ctx, slug, locale)
		if err != nil {
			return domain.TemplateDefinition{}, err
		}
		return *def, nil
	}

	return &Resolver{
		aside:         cache.NewAside(config.Cache, store, load),
		store:         store,
		source:        source,
		config:        config.Cache,
		defaultLocale: canonicalLocale(config.DefaultLocale),
	}
}

// Resolve returns the template for slug, trying the exact locale, then its
// base language, then the default locale.
func (r *Resolver) Resolve(ctx context.Context, slug, locale string) (*domain.TemplateDefinition, error) {
	get := r.cached(ctx, slug)

	for _, candidate := range r.candidates(locale) {
		def, err := get(ctx, candidate)
		if err == nil {
			if def.Slug == "" {
				def.Slug = slug
			}
			if def.Locale == "" {
				def.Locale = candidate
			}
			return &def, nil
		}
		if errors.Is(err, ErrTemplateNotFound) {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrTemplateUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTemplateUnavailable, err)
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, slug)
}

// cached returns a per-locale lookup for slug. When the generation token
// cannot be read the lookup goes straight to the source.
func (r *Resolver) cached(ctx context.Context, slug string) func(context.Context, string) (domain.TemplateDefinition, error) {
	gen, err := r.generation(ctx, slug)
	if err != nil {
		slog.Warn("template generation unreadable, bypassing cache", "slug", slug, "error", err)
		return func(ctx context.Context, locale string) (domain.TemplateDefinition, error) {
			fetchCtx, cancel := context.WithTimeout(ctx, r.config.LoadTimeout)
			defer cancel()
			def, err := r.source.Fetch(fetchCtx, slug, locale)
			if err != nil {
				return domain.TemplateDefinition{}, err
			}
			return *def, nil
		}
	}
	return func(ctx context.Context, locale string) (domain.TemplateDefinition, error) {
		return r.aside.Get(ctx, cacheKey(slug, gen, locale))
	}
}

// Render resolves the template and renders it for ch.
func (r *Resolver) Render(ctx context.Context, slug, locale string, ch domain.Channel, vars map[string]any) (domain.RenderedMessage, error) {
	def, err := r.Resolve(ctx, slug, locale)
	if err != nil {
		return domain.RenderedMessage{}, err
	}
	return Render(def, ch, vars)
}

// Invalidate retires every cached locale of slug with a single store write.
func (r *Resolver) Invalidate(ctx context.Context, slug string) error {
	storeCtx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()

	if err := r.store.Set(storeCtx, genKeyPrefix+slug, []byte(uuid.NewString()), 0); err != nil {
		return fmt.Errorf("invalidate template %s: %w", slug, err)
	}
	return nil
}

func (r *Resolver) generation(ctx context.Context, slug string) (string, error) {
	storeCtx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()

	gen, err := r.store.Get(storeCtx, genKeyPrefix+slug)
	if errors.Is(err, kv.ErrNotFound) {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return string(gen), nil
}

func (r *Resolver) candidates(locale string) []string {
	var result []string
	add := func(l string) {
		if l == "" {
			return
		}
		for _, existing := range result {
			if existing == l {
				return
			}
		}
		result = append(result, l)
	}

	if tag, err := language.Parse(locale); err == nil && locale != "" {
		add(tag.String())
		if base, conf := tag.Base(); conf != language.No {
			add(base.String())
		}
	}
	add(r.defaultLocale)
	return result
}

func canonicalLocale(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return strings.ToLower(locale)
	}
	return tag.String()
}

func cacheKey(slug, gen, locale string) string {
	return slug + "|" + gen + "|" + locale
}

// splitKey reverses cacheKey. Neither the token nor the locale contains '|'.
func splitKey(key string) (slug, locale string) {
	i := strings.LastIndexByte(key, '|')
	if i < 0 {
		return key, ""
	}
	slug, locale = key[:i], key[i+1:]
	if j := strings.LastIndexByte(slug, '|'); j >= 0 {
		slug = slug[:j]
	}
	return slug, locale
}
