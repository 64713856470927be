// Package recipe extracts package metadata (version, description,
// dependency lists) from a cached build recipe: a shell-script file
// defining variables, in the style of an AUR PKGBUILD.
package recipe

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xamionex/aurora-server/internal/logging"
	"github.com/xamionex/aurora-server/internal/metrics"
	"github.com/xamionex/aurora-server/internal/procrunner"
)

// shellEvalTimeout bounds the shell-evaluation strategy per spec.md §4.3.
const shellEvalTimeout = 10 * time.Second

// recipeFileName is the conventional build-recipe filename under a
// materialized package directory.
const recipeFileName = "PKGBUILD"

// Record is the metadata extracted from a build recipe.
type Record struct {
	Name           string
	PackageBase    string
	Version        string
	Description    string
	URL            string
	Maintainer     string
	NumVotes       int
	Popularity     float64
	OutOfDate      *time.Time
	FirstSubmitted time.Time
	LastModified   time.Time
	License        []string
	Depends        []string
	MakeDepends    []string
	Conflicts      []string
	Provides       []string
	Replaces       []string
	Keywords       []string
}

// targetKeys are the PKGBUILD variables the parser extracts.
var targetKeys = []string{ //nolint:gochecknoglobals
	"pkgname", "pkgbase", "pkgver", "pkgrel", "pkgdesc", "url", "maintainer",
	"license", "depends", "makedepends", "conflicts", "provides", "replaces",
	"keywords",
}

// Parser parses build recipes. ShellEvalEnabled gates the shell-evaluation
// strategy; when false only the line-scan fallback runs, per spec.md §9's
// open question about the safety of sourcing untrusted recipes under bash.
type Parser struct {
	Runner           *procrunner.Runner
	ShellEvalEnabled bool
}

// NewParser constructs a Parser. ShellEvalEnabled defaults to false; it is
// an explicit opt-in (see internal/config's recipe-shell-eval flag).
func NewParser(runner *procrunner.Runner, shellEvalEnabled bool) *Parser {
	return &Parser{Runner: runner, ShellEvalEnabled: shellEvalEnabled}
}

// Parse extracts a Record from a package's build recipe, trying shell
// evaluation first (if enabled) and falling back to a line scan on any
// failure, per spec.md §4.3.
func (p *Parser) Parse(ctx context.Context, name string, data []byte) (*Record, error) {
	logger := logging.FromContext(ctx)
	ops := metrics.FromContext(ctx)
	pkgAttr := attribute.String("package", name)

	fields := map[string]string{}
	if p.ShellEvalEnabled {
		start := time.Now()
		evaluated, err := p.parseShell(ctx, data)
		if err != nil {
			ops.RecordOperation(ctx, "recipe.parse.shell", "failure", time.Since(start), pkgAttr)
			logger.DebugContext(ctx, "shell-eval recipe parse failed, falling back to line scan", "name", name, "error", err)
		} else {
			ops.RecordOperation(ctx, "recipe.parse.shell", "success", time.Since(start), pkgAttr)
			fields = evaluated
		}
	}
	if len(fields) == 0 {
		start := time.Now()
		fields = parseLineScan(data)
		ops.RecordOperation(ctx, "recipe.parse.linescan", "success", time.Since(start), pkgAttr)
	}

	return buildRecord(name, fields), nil
}

// parseShell sources the recipe under bash in a wrapper script and echoes
// KEY=value lines for each target key, correctly resolving variables
// defined by concatenation or expansion. Budget: 10-second timeout.
func (p *Parser) parseShell(ctx context.Context, data []byte) (map[string]string, error) {
	dir, err := os.MkdirTemp("", "aurora-recipe-*")
	if err != nil {
		return nil, errors.Wrap(err, "create temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	recipePath := filepath.Join(dir, recipeFileName)
	if err := os.WriteFile(recipePath, data, 0o600); err != nil {
		return nil, errors.Wrap(err, "write recipe file")
	}

	var script strings.Builder
	script.WriteString("set -euo pipefail\n")
	script.WriteString("source " + shellQuote(recipePath) + "\n")
	for _, key := range targetKeys {
		script.WriteString("if declare -p " + key + " >/dev/null 2>&1; then\n")
		script.WriteString("  if [[ \"$(declare -p " + key + ")\" == \"declare -a\"* ]]; then\n")
		script.WriteString("    printf '" + key + "=%s\\n' \"${" + key + "[@]:-}\"\n")
		script.WriteString("  else\n")
		script.WriteString("    printf '" + key + "=%s\\n' \"${" + key + "}\"\n")
		script.WriteString("  fi\n")
		script.WriteString("fi\n")
	}

	result, err := p.Runner.Run(ctx, dir, "bash", []string{"-c", script.String()}, nil, shellEvalTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "run shell wrapper")
	}
	if !result.OK {
		return nil, errors.Errorf("shell wrapper exited non-zero: %s", string(result.Stderr))
	}

	fields := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(string(result.Stdout)))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		if existing, present := fields[key]; present && existing != "" {
			fields[key] = existing + " " + value
		} else {
			fields[key] = value
		}
	}
	return fields, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// parseLineScan splits the recipe on newlines and, for each target key,
// finds the first line beginning "key=". Arrays ("(" ... ")") are parsed
// as whitespace-separated tokens; scalars are taken as-is. Quotes are
// stripped from each token.
func parseLineScan(data []byte) map[string]string {
	fields := map[string]string{}
	found := map[string]bool{}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		for _, key := range targetKeys {
			if found[key] {
				continue
			}
			prefix := key + "="
			if !strings.HasPrefix(line, prefix) {
				continue
			}
			raw := strings.TrimPrefix(line, prefix)
			found[key] = true
			if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
				inner := strings.TrimSuffix(strings.TrimPrefix(raw, "("), ")")
				tokens := strings.Fields(inner)
				for i, tok := range tokens {
					tokens[i] = stripQuotes(tok)
				}
				fields[key] = strings.Join(tokens, " ")
			} else {
				fields[key] = stripQuotes(raw)
			}
		}
	}
	return fields
}

func stripQuotes(s string) string {
	s = strings.Trim(s, "\"")
	s = strings.Trim(s, "'")
	return s
}

func buildRecord(name string, fields map[string]string) *Record {
	now := time.Now()

	version := "unknown-1"
	if pkgver, ok := fields["pkgver"]; ok && pkgver != "" {
		pkgrel := fields["pkgrel"]
		if pkgrel == "" {
			pkgrel = "1"
		}
		version = pkgver + "-" + pkgrel
	}

	maintainer := fields["maintainer"]
	if maintainer == "" {
		maintainer = "Unknown"
	}

	description := fields["pkgdesc"]
	if description == "" {
		description = "No description available"
	}

	packageBase := fields["pkgbase"]
	if packageBase == "" {
		packageBase = name
	}

	return &Record{
		Name:           name,
		PackageBase:    packageBase,
		Version:        version,
		Description:    description,
		URL:            fields["url"],
		Maintainer:     maintainer,
		NumVotes:       0,
		Popularity:     0,
		OutOfDate:      nil,
		FirstSubmitted: now,
		LastModified:   now,
		License:        splitList(fields["license"]),
		Depends:        splitList(fields["depends"]),
		MakeDepends:    splitList(fields["makedepends"]),
		Conflicts:      splitList(fields["conflicts"]),
		Provides:       splitList(fields["provides"]),
		Replaces:       splitList(fields["replaces"]),
		Keywords:       splitList(fields["keywords"]),
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	return strings.Fields(s)
}
