package graph

import (
	"fmt"
	"strings"
)

// FormatContext renders a query result as a prompt block with up to three
// sections: entities (first 2*topK), relationships (first topK) and context
// chunks. Chunks are added in order while the running word count stays
// within wordBudget; entities and relationships always count against it.
func FormatContext(res *QueryResult, topK, wordBudget int) string {
	if res == nil {
		return ""
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if wordBudget <= 0 {
		wordBudget = DefaultWordBudget
	}

	var entities []string
	seen := make(map[string]bool)
	for _, e := range head(res.Entities, topK*2) {
		if e.Name == "" || e.Description == "" {
			continue
		}
		text := fmt.Sprintf("[%s] %s", e.Name, e.Description)
		if !seen[text] {
			seen[text] = true
			entities = append(entities, text)
		}
	}

	var relations []string
	for _, r := range head(res.Relationships, topK) {
		if r.Source == "" || r.Target == "" || r.Description == "" {
			continue
		}
		text := fmt.Sprintf("[%s]->[%s]: %s", r.Source, r.Target, r.Description)
		if !seen[text] {
			seen[text] = true
			relations = append(relations, text)
		}
	}

	remaining := wordBudget - wordCount(entities) - wordCount(relations)
	var chunks []string
	for _, c := range res.Chunks {
		if c == "" || seen[c] {
			continue
		}
		n := len(strings.Fields(c))
		if n > remaining {
			break
		}
		seen[c] = true
		chunks = append(chunks, c)
		remaining -= n
	}

	var b strings.Builder
	section(&b, "# Entities", "ENTITY: ", entities)
	section(&b, "# Relationships", "RELATION: ", relations)
	section(&b, "# Context", "CONTEXT: ", chunks)
	return strings.TrimRight(b.String(), "\n")
}

// SystemPrompt folds a formatted context block into the system message.
func SystemPrompt(context string) string {
	if context == "" {
		return ""
	}
	return "Answer the user's question using the knowledge below when it is relevant.\n\n" + context
}

func section(b *strings.Builder, title, prefix string, lines []string) {
	if len(lines) == 0 {
		return
	}
	b.WriteString(title)
	b.WriteByte('\n')
	for _, l := range lines {
		b.WriteString(prefix)
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func wordCount(lines []string) int {
	n := 0
	for _, l := range lines {
		n += len(strings.Fields(l))
	}
	return n
}
