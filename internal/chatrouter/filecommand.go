package chatrouter

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// frontmatterDelimiter marks the start/end of a command file's YAML header,
// matching the convention internal/skills/parser.go uses for SKILL.md.
const frontmatterDelimiter = "---"

// FileCommand is a custom slash command loaded from a Markdown file under
// .mira/commands/ (project scope) or ~/.mira/commands/ (user scope).
type FileCommand struct {
	Name        string
	Description string
	// Template is the command body. Every occurrence of $ARGUMENTS is
	// replaced with the invocation's argument text when expanded.
	Template string
	// Scope is "project" or "user", used to break name ties: project
	// always wins.
	Scope string
	Path  string
}

type fileCommandFrontmatter struct {
	Description string `yaml:"description"`
}

// Expand substitutes $ARGUMENTS in the template with args and returns the
// prompt to send to the operation engine.
func (c *FileCommand) Expand(args string) string {
	return strings.ReplaceAll(c.Template, "$ARGUMENTS", args)
}

// LoadFileCommands discovers commands from the user-global directory first,
// then the project directory, so a project-scoped command of the same name
// overrides the user one - the same override order
// internal/skills/discovery.go uses for its higher-priority sources.
func LoadFileCommands(projectDir string) ([]*FileCommand, error) {
	byName := make(map[string]*FileCommand)

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		userDir := filepath.Join(home, ".mira", "commands")
		cmds, err := loadCommandDir(userDir, "user")
		if err != nil {
			return nil, err
		}
		for _, c := range cmds {
			byName[c.Name] = c
		}
	}

	if projectDir != "" {
		projDir := filepath.Join(projectDir, ".mira", "commands")
		cmds, err := loadCommandDir(projDir, "project")
		if err != nil {
			return nil, err
		}
		for _, c := range cmds {
			byName[c.Name] = c
		}
	}

	out := make([]*FileCommand, 0, len(byName))
	for _, c := range byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func loadCommandDir(dir, scope string) ([]*FileCommand, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read commands directory %s: %w", dir, err)
	}

	var out []*FileCommand
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		cmd, err := parseFileCommand(path, scope)
		if err != nil {
			continue
		}
		out = append(out, cmd)
	}
	return out, nil
}

func parseFileCommand(path, scope string) (*FileCommand, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read command file: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".md")
	description, body, err := splitCommandFrontmatter(data)
	if err != nil {
		// No frontmatter: the whole file is the template, no description.
		body = string(data)
	}

	return &FileCommand{
		Name:        name,
		Description: description,
		Template:    strings.TrimSpace(body),
		Scope:       scope,
		Path:        path,
	}, nil
}

// splitCommandFrontmatter separates a command file's optional YAML
// frontmatter from its Markdown body.
func splitCommandFrontmatter(data []byte) (description, body string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return "", "", fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return "", "", fmt.Errorf("no frontmatter")
	}

	var fmLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		fmLines = append(fmLines, line)
	}
	if !closed {
		return "", "", fmt.Errorf("unterminated frontmatter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", "", err
	}

	var fm fileCommandFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(fmLines, "\n")), &fm); err != nil {
		return "", "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return fm.Description, strings.Join(bodyLines, "\n"), nil
}
