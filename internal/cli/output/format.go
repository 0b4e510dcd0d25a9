// Package output provides the table/JSON rendering gssauthctl shares
// across its subcommands, trimmed from the teacher's internal/cli/output
// to the table and JSON paths this module's read-only introspection
// commands need (YAML output is dropped: nothing here round-trips
// through a config file).
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Format is the output format a command renders its data in.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

// ParseFormat parses s into a Format, defaulting to table.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("invalid output format: %q (valid: table, json)", s)
	}
}

// Printer renders command output in the configured format.
type Printer struct {
	out    io.Writer
	format Format
}

// NewPrinter returns a Printer writing to out in format.
func NewPrinter(out io.Writer, format Format) *Printer {
	return &Printer{out: out, format: format}
}

// Print renders data: as a table if it implements TableRenderer and the
// format is table, otherwise as JSON.
func (p *Printer) Print(data any) error {
	if p.format == FormatTable {
		if renderer, ok := data.(TableRenderer); ok {
			return PrintTable(p.out, renderer)
		}
	}
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// Println writes a plain line, bypassing format selection — used for
// status messages like "flushed uid 1000".
func (p *Printer) Println(msg string) {
	fmt.Fprintln(p.out, msg)
}
