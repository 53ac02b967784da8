package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/*.prompt
var builtin embed.FS

// Names of the built-in prompts.
const (
	DefineSchema    = "define_schema"
	Extract         = "extract"
	CodeInterpreter = "code_interpreter"
)

// PromptConfig holds metadata from the YAML frontmatter.
type PromptConfig struct {
	Model       string   `yaml:"model"`
	Temperature *float32 `yaml:"temperature"`
	System      string   `yaml:"system"`
}

// Prompt represents a loaded prompt with config and template.
type Prompt struct {
	Config   PromptConfig
	Template *template.Template
}

// Builtin returns one of the prompts embedded in the binary.
func Builtin(name string) (*Prompt, error) {
	data, err := builtin.ReadFile("prompts/" + name + ".prompt")
	if err != nil {
		return nil, fmt.Errorf("unknown prompt %q: %w", name, err)
	}
	return Parse(name, data)
}

// MustBuiltin is Builtin for package initialization.
func MustBuiltin(name string) *Prompt {
	p, err := Builtin(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse splits data into YAML frontmatter and a text/template body.
func Parse(name string, data []byte) (*Prompt, error) {
	parts := strings.SplitN(string(data), "---", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid prompt format: missing frontmatter delimiters")
	}

	frontmatter := parts[1]
	body := parts[2]

	var config PromptConfig
	if err := yaml.Unmarshal([]byte(frontmatter), &config); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	config.System = strings.TrimSpace(config.System)

	tmpl, err := template.New(name).Option("missingkey=error").Parse(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template body: %w", err)
	}

	return &Prompt{
		Config:   config,
		Template: tmpl,
	}, nil
}

// Execute applies data to the template and returns the result string.
func (p *Prompt) Execute(data any) (string, error) {
	var buf bytes.Buffer
	if err := p.Template.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}
