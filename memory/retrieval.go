// Package memory builds the memory header for planner turns from a local
// notes directory: glob the configured patterns, score notes against the
// prompt keywords, and pack the best few under a size budget.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Defaults for retrieval bounds.
const (
	DefaultMaxNotes     = 5
	DefaultMaxTotalSize = 8 * 1024
	maxNoteRead         = 64 * 1024
)

// Config selects which notes are eligible.
type Config struct {
	// NotesDir is the root of the notes tree. Empty disables retrieval.
	NotesDir string
	// Patterns are doublestar globs relative to NotesDir.
	// Defaults to ["**/*.md"].
	Patterns []string
	// MaxNotes caps how many notes one header may include.
	MaxNotes int
	// MaxTotalSize caps the header size in bytes.
	MaxTotalSize int
}

// Retriever scores and packs notes.
type Retriever struct {
	cfg Config
}

// NewRetriever applies defaults to cfg.
func NewRetriever(cfg Config) *Retriever {
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{"**/*.md"}
	}
	if cfg.MaxNotes <= 0 {
		cfg.MaxNotes = DefaultMaxNotes
	}
	if cfg.MaxTotalSize <= 0 {
		cfg.MaxTotalSize = DefaultMaxTotalSize
	}
	return &Retriever{cfg: cfg}
}

type scoredNote struct {
	relPath string
	content string
	score   int
	modTime time.Time
}

var wordPattern = regexp.MustCompile(`[a-zA-Z0-9_-]{3,}`)

// stopwords never contribute to a note's score.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"you": {}, "are": {}, "was": {}, "can": {}, "what": {}, "how": {},
	"please": {}, "about": {}, "from": {}, "have": {}, "not": {},
}

// Header returns the memory header for prompt, or "" when nothing relevant
// is found. Ties in score break newest-first.
func (r *Retriever) Header(prompt string) (string, error) {
	if r.cfg.NotesDir == "" {
		return "", nil
	}
	keywords := extractKeywords(prompt)
	if len(keywords) == 0 {
		return "", nil
	}

	paths, err := r.glob()
	if err != nil {
		return "", err
	}

	var notes []scoredNote
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() || info.Size() > maxNoteRead {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		content := string(raw)
		score := scoreNote(content, p, keywords)
		if score == 0 {
			continue
		}
		rel, err := filepath.Rel(r.cfg.NotesDir, p)
		if err != nil {
			rel = filepath.Base(p)
		}
		notes = append(notes, scoredNote{
			relPath: rel,
			content: strings.TrimSpace(content),
			score:   score,
			modTime: info.ModTime(),
		})
	}
	if len(notes) == 0 {
		return "", nil
	}

	sort.Slice(notes, func(i, j int) bool {
		if notes[i].score != notes[j].score {
			return notes[i].score > notes[j].score
		}
		return notes[i].modTime.After(notes[j].modTime)
	})

	var b strings.Builder
	b.WriteString("Relevant notes from memory:\n\n")
	included := 0
	for _, n := range notes {
		if included >= r.cfg.MaxNotes {
			break
		}
		entry := fmt.Sprintf("--- %s ---\n%s\n\n", n.relPath, n.content)
		if b.Len()+len(entry) > r.cfg.MaxTotalSize {
			continue
		}
		b.WriteString(entry)
		included++
	}
	if included == 0 {
		return "", nil
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

// glob expands the configured patterns under NotesDir, deduplicated.
func (r *Retriever) glob() ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, pattern := range r.cfg.Patterns {
		abs := filepath.Join(r.cfg.NotesDir, pattern)
		matches, err := doublestar.FilepathGlob(abs)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

// extractKeywords lowercases the prompt and keeps distinct non-stopword terms.
func extractKeywords(prompt string) []string {
	words := wordPattern.FindAllString(strings.ToLower(prompt), -1)
	seen := make(map[string]struct{})
	var out []string
	for _, w := range words {
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// scoreNote counts keyword hits; filename hits weigh more than body hits.
func scoreNote(content, path string, keywords []string) int {
	lowerContent := strings.ToLower(content)
	lowerName := strings.ToLower(filepath.Base(path))
	score := 0
	for _, kw := range keywords {
		if strings.Contains(lowerName, kw) {
			score += 3
		}
		score += strings.Count(lowerContent, kw)
	}
	return score
}
