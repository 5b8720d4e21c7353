package card

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	// Filename is the model card file written into saved directories.
	Filename = "README.md"

	frontMatterDelimiter = "---"
)

// Metadata is the structured front matter of a model card.
type Metadata struct {
	Library   string         `yaml:"library_name,omitempty"`
	License   string         `yaml:"license,omitempty"`
	Tags      []string       `yaml:"tags,omitempty"`
	Pipeline  string         `yaml:"pipeline_tag,omitempty"`
	BaseModel string         `yaml:"base_model,omitempty"`
	Extra     map[string]any `yaml:",inline"`
}

// Card is a model card: YAML front matter followed by a markdown body.
type Card struct {
	Metadata Metadata
	Body     string
}

// Default builds a minimal card for a model saved by the given library.
func Default(modelName, library string) Card {
	body := fmt.Sprintf("# %s\n\nThis model was saved with %s. Fill in this card with details about\nthe model, its training data and its intended use.\n", modelName, library)
	return Card{
		Metadata: Metadata{Library: library, Tags: []string{library}},
		Body:     body,
	}
}

// Render produces the serialized card content.
func (c Card) Render() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(frontMatterDelimiter + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c.Metadata); err != nil {
		return nil, fmt.Errorf("could not encode card metadata: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("could not finalize card metadata: %w", err)
	}
	buf.WriteString(frontMatterDelimiter + "\n\n")
	buf.WriteString(strings.TrimLeft(c.Body, "\n"))
	return buf.Bytes(), nil
}

// Write renders the card into dir on the given filesystem.
func (c Card) Write(fs afero.Fs, dir string) error {
	b, err := c.Render()
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, Filename)
	if err := afero.WriteFile(fs, path, b, 0o644); err != nil {
		return fmt.Errorf("could not write model card %s: %w", path, err)
	}
	return nil
}

// Load parses a card file back into its metadata and body. Files without
// front matter are treated as body only cards.
func Load(fs afero.Fs, path string) (Card, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return Card{}, fmt.Errorf("could not read model card %s: %w", path, err)
	}
	return Parse(b)
}

func Parse(b []byte) (Card, error) {
	content := string(b)
	if !strings.HasPrefix(content, frontMatterDelimiter+"\n") {
		return Card{Body: content}, nil
	}

	rest := content[len(frontMatterDelimiter)+1:]

	// The closing delimiter is line anchored, so it either opens rest
	// directly for an empty front matter block or follows a newline.
	var metaPart, body string
	switch {
	case rest == frontMatterDelimiter || strings.HasPrefix(rest, frontMatterDelimiter+"\n"):
		body = strings.TrimPrefix(rest, frontMatterDelimiter)
	default:
		idx := strings.Index(rest, "\n"+frontMatterDelimiter)
		if idx < 0 {
			return Card{}, fmt.Errorf("model card front matter is not terminated")
		}
		metaPart = rest[:idx]
		body = rest[idx+len("\n"+frontMatterDelimiter):]
	}

	var meta Metadata
	if err := yaml.Unmarshal([]byte(metaPart), &meta); err != nil {
		return Card{}, fmt.Errorf("could not parse card metadata: %w", err)
	}

	body = strings.TrimLeft(body, "\n")
	return Card{Metadata: meta, Body: body}, nil
}
