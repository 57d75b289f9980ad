package toolhandlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mirahq/mira/internal/tools/files"
)

// CodeHandler serves the code family with a plain directory-walk
// implementation: search greps file contents line by line, structure
// lists the project tree, and summary reports basic per-file stats. Like
// GitHandler its root is fixed at construction.
type CodeHandler struct {
	root string
}

// NewCodeHandler builds a CodeHandler rooted at projectDir.
func NewCodeHandler(projectDir string) *CodeHandler {
	return &CodeHandler{root: projectDir}
}

const maxCodeMatches = 200

var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".mira": true,
}

func (h *CodeHandler) Execute(ctx context.Context, internalName string, arguments json.RawMessage) (string, error) {
	switch internalName {
	case "search":
		return h.search(arguments)
	case "structure":
		return h.structure(arguments)
	case "summary":
		return h.summary(arguments)
	default:
		return "", fmt.Errorf("toolhandlers: unknown code internal name %q", internalName)
	}
}

func (h *CodeHandler) search(arguments json.RawMessage) (string, error) {
	var input struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(arguments, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	type match struct {
		Path string `json:"path"`
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	var matches []match

	err := h.walk(func(path string, rel string) error {
		if len(matches) >= maxCodeMatches {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if len(matches) >= maxCodeMatches {
				break
			}
			if strings.Contains(scanner.Text(), query) {
				matches = append(matches, match{Path: rel, Line: lineNo, Text: strings.TrimSpace(scanner.Text())})
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	payload, err := json.MarshalIndent(map[string]any{"query": query, "matches": matches}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode matches: %w", err)
	}
	return string(payload), nil
}

func (h *CodeHandler) structure(arguments json.RawMessage) (string, error) {
	var paths []string
	err := h.walk(func(_ string, rel string) error {
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	payload, err := json.MarshalIndent(map[string]any{"files": paths}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode structure: %w", err)
	}
	return string(payload), nil
}

func (h *CodeHandler) summary(arguments json.RawMessage) (string, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(arguments, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	if strings.TrimSpace(input.Path) == "" {
		return "", fmt.Errorf("path is required")
	}

	resolver := files.Resolver{Root: h.root}
	full, err := resolver.Resolve(input.Path)
	if err != nil {
		return "", err
	}

	f, err := os.Open(full)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat file: %w", err)
	}

	lines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines++
	}

	payload, err := json.MarshalIndent(map[string]any{
		"path":  filepath.Clean(input.Path),
		"bytes": info.Size(),
		"lines": lines,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}
	return string(payload), nil
}

// walk visits every regular file under h.root, skipping VCS and
// dependency directories, calling fn with the absolute path and the
// path relative to root.
func (h *CodeHandler) walk(fn func(path, rel string) error) error {
	return filepath.WalkDir(h.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(h.root, path)
		if err != nil {
			return nil
		}
		return fn(path, rel)
	})
}
