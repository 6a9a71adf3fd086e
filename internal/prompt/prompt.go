// Package prompt builds the instruction text that tells the model how to turn
// a question about an uploaded table into a single SQL statement.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrNoColumns = errors.New("at least one column is required")

const (
	defaultRole    = "You are an expert in converting English questions to SQL query!"
	defaultDialect = "The SQL dialect is DuckDB, which follows PostgreSQL syntax: quote text literals with single quotes and identifiers with double quotes."
	defaultClosing = "Please do not include ``` at the beginning or end and the SQL keyword in the output."
)

// Template holds the overridable prose around the generated examples. Empty
// fields fall back to the built-in wording.
type Template struct {
	Role    string `yaml:"role"`
	Dialect string `yaml:"dialect"`
	Closing string `yaml:"closing"`
}

func DefaultTemplate() Template {
	return Template{Role: defaultRole, Dialect: defaultDialect, Closing: defaultClosing}
}

// LoadTemplate reads YAML overrides from path. An empty path yields the default.
func LoadTemplate(path string) (Template, error) {
	tmpl := DefaultTemplate()
	if strings.TrimSpace(path) == "" {
		return tmpl, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read prompt template: %w", err)
	}
	var override Template
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return Template{}, fmt.Errorf("decode prompt template %q: %w", path, err)
	}
	return tmpl.merge(override), nil
}

func (t Template) merge(override Template) Template {
	if v := strings.TrimSpace(override.Role); v != "" {
		t.Role = v
	}
	if v := strings.TrimSpace(override.Dialect); v != "" {
		t.Dialect = v
	}
	if v := strings.TrimSpace(override.Closing); v != "" {
		t.Closing = v
	}
	return t
}

type Builder struct {
	Template Template
}

func NewBuilder(tmpl Template) *Builder {
	return &Builder{Template: DefaultTemplate().merge(tmpl)}
}

// Build renders the prompt for a table known to the model as alias.
// Column names are inserted verbatim and are not checked for SQL safety.
func (b *Builder) Build(alias string, columns []string) (string, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return "", fmt.Errorf("table alias is required")
	}
	if len(columns) == 0 {
		return "", ErrNoColumns
	}
	tmpl := DefaultTemplate().merge(b.Template)

	var sb strings.Builder
	sb.WriteString(tmpl.Role)
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "The SQL database has the name %s and has the following columns - %s.\n", alias, strings.Join(columns, ", "))
	sb.WriteString(tmpl.Dialect)
	sb.WriteString("\n\nFor example:\n")
	sb.WriteString("Example 1 - How many entries of records are present?, the SQL command will be something like this:\n")
	fmt.Fprintf(&sb, "SELECT COUNT(*) FROM %s;\n\n", alias)
	fmt.Fprintf(&sb, "Example 2 - Tell me all the entries where %s is equal to \"value\", the SQL command will be something like this:\n", columns[0])
	fmt.Fprintf(&sb, "SELECT * FROM %s WHERE %s = 'value';\n\n", alias, columns[0])
	sb.WriteString(tmpl.Closing)
	return sb.String(), nil
}

// Build renders a prompt with the default template.
func Build(alias string, columns []string) (string, error) {
	return NewBuilder(Template{}).Build(alias, columns)
}
