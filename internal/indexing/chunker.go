// Package indexing turns submitted documents into embedded, searchable chunk
// records: conversion to markdown, heading-aware chunking, summarization, and
// question bank generation.
package indexing

import (
	"regexp"
	"strings"
)

// ChunkerConfig bounds chunk sizes in words.
type ChunkerConfig struct {
	// ChunkSize is the maximum words per chunk.
	ChunkSize int
	// Overlap is the trailing word overlap carried into the next chunk.
	Overlap int
}

// Chunker splits markdown into bounded, heading-annotated chunks.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a chunker with defaults for zero fields.
func NewChunker(config ChunkerConfig) *Chunker {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 200
	}
	if config.Overlap <= 0 || config.Overlap >= config.ChunkSize {
		config.Overlap = config.ChunkSize / 4
	}
	return &Chunker{config: config}
}

type section struct {
	headings []string
	text     string
}

var headingRe = regexp.MustCompile(`(?m)^(#{1,6})\s+(.*)$`)

// Chunk splits the markdown into chunks of at most ChunkSize words. Sections
// are split recursively along heading levels; oversized leaf sections are
// packed sentence by sentence with a trailing overlap. Each chunk is prefixed
// with its heading path joined by " - ".
func (c *Chunker) Chunk(markdown string) []string {
	sections := splitByHeadings(markdown, 1, nil)

	var out []string
	for _, s := range sections {
		prefix := strings.Join(s.headings, " - ")
		for _, window := range c.packSentences(s.text) {
			if prefix != "" {
				out = append(out, prefix+"\n"+window)
			} else {
				out = append(out, window)
			}
		}
	}
	return out
}

// splitByHeadings recursively partitions the text on heading depth, carrying
// the heading path down. Sections small enough stop recursing early.
func splitByHeadings(text string, depth int, path []string) []section {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if depth > 6 {
		return []section{{headings: path, text: text}}
	}

	marker := strings.Repeat("#", depth)
	lines := strings.Split(text, "\n")

	type part struct {
		heading string
		body    []string
	}
	parts := []part{{}}
	found := false
	for _, line := range lines {
		m := headingRe.FindStringSubmatch(line)
		if m != nil && m[1] == marker {
			parts = append(parts, part{heading: strings.TrimSpace(m[2])})
			found = true
			continue
		}
		parts[len(parts)-1].body = append(parts[len(parts)-1].body, line)
	}
	if !found {
		return []section{{headings: path, text: text}}
	}

	var out []section
	for _, p := range parts {
		body := strings.TrimSpace(strings.Join(p.body, "\n"))
		if body == "" {
			continue
		}
		childPath := path
		if p.heading != "" {
			childPath = append(append([]string{}, path...), p.heading)
		}
		out = append(out, splitByHeadings(body, depth+1, childPath)...)
	}
	return out
}

var sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?\n]*`)

// packSentences splits text into sentences and packs them greedily into
// windows of at most ChunkSize words with a trailing overlap.
func (c *Chunker) packSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if wordCount(text) <= c.config.ChunkSize {
		return []string{text}
	}

	sentences := sentenceRe.FindAllString(text, -1)
	var out []string
	var window []string
	windowWords := 0

	flush := func() {
		if len(window) == 0 {
			return
		}
		out = append(out, strings.TrimSpace(strings.Join(window, " ")))

		// Carry the trailing sentences up to the overlap into the next window.
		var carry []string
		carryWords := 0
		for i := len(window) - 1; i >= 0; i-- {
			w := wordCount(window[i])
			if carryWords+w > c.config.Overlap {
				break
			}
			carry = append([]string{window[i]}, carry...)
			carryWords += w
		}
		window = carry
		windowWords = carryWords
	}

	for _, raw := range sentences {
		sentence := strings.TrimSpace(raw)
		if sentence == "" {
			continue
		}
		words := wordCount(sentence)
		// A single sentence over the budget becomes its own chunk.
		if words > c.config.ChunkSize {
			flush()
			window = nil
			windowWords = 0
			out = append(out, sentence)
			continue
		}
		if windowWords+words > c.config.ChunkSize {
			flush()
		}
		window = append(window, sentence)
		windowWords += words
	}
	if len(window) > 0 && windowWords > 0 {
		trailing := strings.TrimSpace(strings.Join(window, " "))
		// Skip a final window that is nothing but the carried overlap.
		if len(out) == 0 || !strings.HasSuffix(out[len(out)-1], trailing) {
			out = append(out, trailing)
		}
	}
	return out
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
