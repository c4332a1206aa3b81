package repository

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/wuxler/ruartifact/pkg/activation"
	"github.com/wuxler/ruartifact/pkg/errdefs"
	"github.com/wuxler/ruartifact/pkg/tracker"
)

// Kind is the kind of artifacts a repository stores.
type Kind string

const (
	// KindFile repositories store single files.
	KindFile Kind = "files"
	// KindTree repositories store directory trees.
	KindTree Kind = "trees"
)

// ParseKind parses the repository type of the configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindFile, KindTree:
		return k, nil
	}
	return "", errdefs.Newf(errdefs.ErrInvalidParameter, "unknown repository type %q", s)
}

// Repository is a named partition of the artifact namespace.
type Repository struct {
	Name        string `json:"name" yaml:"name"`
	Path        string `json:"path" yaml:"path"`
	Kind        Kind   `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Convert names the conversion rule applied to packaged payloads of tree
	// repositories.
	Convert string `json:"convert,omitempty" yaml:"convert,omitempty"`
}

// Validate checks a single repository definition.
func (r Repository) Validate() error {
	if err := activation.ValidateName(r.Name); err != nil {
		return fmt.Errorf("repository name: %w", err)
	}
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return fmt.Errorf("repository %s: %w", r.Name, err)
	}
	if !filepath.IsAbs(r.Path) {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "repository %s: path %q is not absolute", r.Name, r.Path)
	}
	if r.Convert != "" && r.Kind != KindTree {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "repository %s: conversion rules need type %s", r.Name, KindTree)
	}
	return nil
}

// ValidateAll checks every repository and their combination: names must be
// unique and paths must not be nested.
func ValidateAll(repos []Repository) error {
	names := map[string]struct{}{}
	for i, r := range repos {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, ok := names[r.Name]; ok {
			return errdefs.Newf(errdefs.ErrAlreadyExists, "repository %s is defined twice", r.Name)
		}
		names[r.Name] = struct{}{}
		for _, other := range repos[:i] {
			if nested(r.Path, other.Path) || nested(other.Path, r.Path) {
				return errdefs.Newf(errdefs.ErrInvalidParameter, "paths of repositories %s and %s overlap", other.Name, r.Name)
			}
		}
	}
	return nil
}

func nested(parent, child string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(child))
	return err == nil && (rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))))
}

// Status is the queryable state of all repositories.
type Status struct {
	Compatible   string             `json:"compatible,omitempty" yaml:"compatible,omitempty"`
	Repositories []RepositoryStatus `json:"artifact-repositories" yaml:"artifact-repositories"`
}

// RepositoryStatus lists the artifacts of one repository with all retained
// instances and their references.
type RepositoryStatus struct {
	Name        string             `json:"name" yaml:"name"`
	Type        Kind               `json:"type" yaml:"type"`
	Path        string             `json:"path" yaml:"path"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Artifacts   []tracker.Artifact `json:"artifacts" yaml:"artifacts"`
}

// Artifact returns the status of the named artifact or nil.
func (s *RepositoryStatus) Artifact(name string) *tracker.Artifact {
	for i := range s.Artifacts {
		if s.Artifacts[i].Name == name {
			return &s.Artifacts[i]
		}
	}
	return nil
}

// Repository returns the status of the named repository or nil.
func (s Status) Repository(name string) *RepositoryStatus {
	for i := range s.Repositories {
		if s.Repositories[i].Name == name {
			return &s.Repositories[i]
		}
	}
	return nil
}
