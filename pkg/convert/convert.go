// Package convert turns packaged payloads into the form a repository stores.
package convert

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/wuxler/ruartifact/pkg/errdefs"
)

// Converter materializes the payload stream r as a directory tree at dst.
// dst does not exist yet, a failed conversion may leave it partially filled.
type Converter interface {
	Convert(ctx context.Context, r io.Reader, dst string) error
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, r io.Reader, dst string) error

// Convert implements Converter.
func (f ConverterFunc) Convert(ctx context.Context, r io.Reader, dst string) error {
	return f(ctx, r, dst)
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rules: map[string]Converter{}}
}

// Registry maps conversion rule names to converters.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Converter
}

// Register adds a rule. Rule names are case insensitive and must be unique.
func (r *Registry) Register(name string, c Converter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name = cleanRuleName(name)
	if _, ok := r.rules[name]; ok {
		return errdefs.Newf(errdefs.ErrAlreadyExists, "conversion rule %q", name)
	}
	r.rules[name] = c
	return nil
}

// MustRegister is Register panicking on error.
func (r *Registry) MustRegister(name string, c Converter) {
	if err := r.Register(name, c); err != nil {
		panic(err)
	}
}

// Get returns the converter of the rule name.
func (r *Registry) Get(name string) (Converter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.rules[cleanRuleName(name)]; ok {
		return c, nil
	}
	return nil, errdefs.Newf(errdefs.ErrNotFound, "conversion rule %q, available: %s",
		name, strings.Join(r.namesLocked(), ", "))
}

// Names returns the sorted rule names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := lo.Keys(r.rules)
	sort.Strings(names)
	return names
}

func cleanRuleName(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}

// Default returns a registry with all built-in rules.
func Default(opts ...Option) *Registry {
	r := NewRegistry()
	r.MustRegister(RuleTarExtract, NewTarExtractor(opts...))
	return r
}

// Option configures the built-in converters.
type Option func(*Options)

// Options of the built-in converters.
type Options struct {
	// Multithread decompresses gzip with multiple goroutines.
	Multithread bool
	// MaxFileSize limits the size of a single extracted file.
	MaxFileSize int64
}

// WithMultithread enables parallel gzip decompression.
func WithMultithread(multithread bool) Option {
	return func(o *Options) {
		o.Multithread = multithread
	}
}

// WithMaxFileSize limits the size of a single extracted file.
func WithMaxFileSize(size int64) Option {
	return func(o *Options) {
		o.MaxFileSize = size
	}
}

func makeOptions(opts ...Option) Options {
	o := Options{MaxFileSize: defaultMaxFileSize}
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

func wrapf(err error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
