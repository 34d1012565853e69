// Package graph holds the per-document knowledge graphs used to ground
// completions. An Instance is expensive to build and is shared through
// graphcache; callers must not keep one across a cache eviction.
package graph

import (
	"context"
	"errors"
	"regexp"
)

const (
	DefaultTopK       = 10
	DefaultWordBudget = 5000
)

var (
	ErrInvalidKey    = errors.New("invalid graph key")
	ErrStorageFailed = errors.New("graph storage failed")
	ErrEmptyDocument = errors.New("empty document")
)

type Entity struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Relationship struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Description string `json:"description"`
}

// Document is one unit of insertion. Entities and Relationships are optional
// pre-extracted structure; Content is split into chunks.
type Document struct {
	Content       string         `json:"content"`
	Entities      []Entity       `json:"entities,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// QueryResult is the raw retrieval result, most relevant first.
type QueryResult struct {
	Entities      []Entity
	Relationships []Relationship
	Chunks        []string
}

// Stats summarizes the size of a graph.
type Stats struct {
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Chunks        int `json:"chunks"`
}

type Instance interface {
	Insert(ctx context.Context, docs ...Document) error
	Query(ctx context.Context, q string, topK int) (*QueryResult, error)
	Stats() Stats
}

// Loader reconstructs an Instance from persisted state.
type Loader interface {
	Load(ctx context.Context, key string) (Instance, error)
}

type LoaderFunc func(ctx context.Context, key string) (Instance, error)

func (f LoaderFunc) Load(ctx context.Context, key string) (Instance, error) {
	return f(ctx, key)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidKey reports whether key can name a graph directory.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}
