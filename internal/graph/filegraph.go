package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
)

const (
	GraphFile = "graph.json"
	MetaFile  = "meta.json"
)

type state struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
	Chunks        []string       `json:"chunks"`
}

// FileGraph is an Instance persisted as a single JSON document. Every
// Insert rewrites the file atomically.
type FileGraph struct {
	path string

	mu    sync.RWMutex
	state state
}

var _ Instance = (*FileGraph)(nil)

// OpenFile reads the graph stored at path.
func OpenFile(path string) (*FileGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	g := &FileGraph{path: path}
	if err := json.Unmarshal(data, &g.state); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStorageFailed, path, err)
	}
	return g, nil
}

func (g *FileGraph) Insert(ctx context.Context, docs ...Document) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := state{
		Entities:      append([]Entity(nil), g.state.Entities...),
		Relationships: append([]Relationship(nil), g.state.Relationships...),
		Chunks:        append([]string(nil), g.state.Chunks...),
	}

	added := false
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, c := range splitChunks(doc.Content) {
			next.Chunks = append(next.Chunks, c)
			added = true
		}
		for _, e := range doc.Entities {
			if e.Name == "" {
				continue
			}
			next.Entities = mergeEntity(next.Entities, e)
			added = true
		}
		for _, r := range doc.Relationships {
			if r.Source == "" || r.Target == "" || containsRelationship(next.Relationships, r) {
				continue
			}
			next.Relationships = append(next.Relationships, r)
			added = true
		}
	}
	if !added {
		return ErrEmptyDocument
	}

	if err := writeJSONAtomic(g.path, next); err != nil {
		return err
	}
	g.state = next
	return nil
}

// Query ranks entities, relationships and chunks by how many query terms
// they share. Relationships touching a matched entity rank above the rest.
func (g *FileGraph) Query(ctx context.Context, q string, topK int) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	terms := tokenize(q)

	g.mu.RLock()
	defer g.mu.RUnlock()

	res := &QueryResult{}

	matched := make(map[string]bool)
	entities := rank(len(g.state.Entities), func(i int) int {
		e := g.state.Entities[i]
		return score(terms, e.Name)*2 + score(terms, e.Description)
	})
	for _, i := range head(entities, topK*2) {
		e := g.state.Entities[i]
		res.Entities = append(res.Entities, e)
		matched[strings.ToLower(e.Name)] = true
	}

	relationships := rank(len(g.state.Relationships), func(i int) int {
		r := g.state.Relationships[i]
		s := score(terms, r.Description)
		if matched[strings.ToLower(r.Source)] || matched[strings.ToLower(r.Target)] {
			s += 2
		}
		return s
	})
	for _, i := range head(relationships, topK) {
		res.Relationships = append(res.Relationships, g.state.Relationships[i])
	}

	chunks := rank(len(g.state.Chunks), func(i int) int {
		return score(terms, g.state.Chunks[i])
	})
	for _, i := range head(chunks, topK) {
		res.Chunks = append(res.Chunks, g.state.Chunks[i])
	}

	return res, nil
}

func (g *FileGraph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		Entities:      len(g.state.Entities),
		Relationships: len(g.state.Relationships),
		Chunks:        len(g.state.Chunks),
	}
}

// rank returns the indexes with a positive score, best first. Ties keep
// insertion order.
func rank(n int, scoreOf func(int) int) []int {
	type scored struct{ idx, score int }
	var hits []scored
	for i := 0; i < n; i++ {
		if s := scoreOf(i); s > 0 {
			hits = append(hits, scored{i, s})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })

	out := make([]int, len(hits))
	for i, h := range hits {
		out[i] = h.idx
	}
	return out
}

func score(terms map[string]struct{}, text string) int {
	n := 0
	for w := range tokenize(text) {
		if _, ok := terms[w]; ok {
			n++
		}
	}
	return n
}

func tokenize(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) > 1 {
			out[w] = struct{}{}
		}
	}
	return out
}

func splitChunks(content string) []string {
	var chunks []string
	for _, p := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			chunks = append(chunks, p)
		}
	}
	return chunks
}

func mergeEntity(entities []Entity, e Entity) []Entity {
	for i := range entities {
		if strings.EqualFold(entities[i].Name, e.Name) {
			if e.Description != "" {
				entities[i].Description = e.Description
			}
			return entities
		}
	}
	return append(entities, e)
}

func containsRelationship(rels []Relationship, r Relationship) bool {
	for _, x := range rels {
		if strings.EqualFold(x.Source, r.Source) && strings.EqualFold(x.Target, r.Target) && x.Description == r.Description {
			return true
		}
	}
	return false
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStorageFailed, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	return nil
}
