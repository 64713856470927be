// Package config loads HCL configuration for auroraproxyd: a single
// global config struct, environment-variable injection and expansion,
// and a size-suffix parser for the max-upload-size setting.
package config

import (
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/hcl/v2"

	"github.com/xamionex/aurora-server/internal/logging"
	"github.com/xamionex/aurora-server/internal/metrics"
	"github.com/xamionex/aurora-server/internal/packagecache"
)

// GlobalConfig is the whole of auroraproxyd's configuration, per
// SPEC_FULL.md §3.1.
type GlobalConfig struct {
	Bind            string              `hcl:"bind" default:"0.0.0.0:3000" help:"Bind address for the server."`
	MaxUploadSize   string              `hcl:"max-upload-size,optional" default:"50mb" help:"Maximum size of Git POST request bodies."`
	RecipeShellEval bool                `hcl:"recipe-shell-eval,optional" help:"Enable the shell-evaluation recipe parsing strategy (sources untrusted recipes under bash)."`
	PackageCache    packagecache.Config `hcl:"package-cache,block"`
	LoggingConfig   logging.Config      `hcl:"log,block"`
	MetricsConfig   metrics.Config      `hcl:"metrics,block"`
}

// Schema returns the configuration file schema.
func Schema() *hcl.AST {
	schema, err := hcl.Schema(new(GlobalConfig))
	if err != nil {
		panic(err)
	}
	return schema
}

// ParseMaxUploadSize parses a size string with an optional kb/mb/gb
// suffix (case-insensitive); bare digits are bytes. Mirrors the
// "invalid port aborts startup" validation spec.md §6 requires for the
// other two startup-time values.
func ParseMaxUploadSize(raw string) (int64, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "gb"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "mb"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "kb"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "kb")
	}
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid max-upload-size %q", raw)
	}
	if n <= 0 {
		return 0, errors.Errorf("max-upload-size must be positive, got %q", raw)
	}
	return n * multiplier, nil
}

// ValidateBind checks that bind is host:port with a port in 1-65535,
// per spec.md §6's "invalid port aborts startup".
func ValidateBind(bind string) error {
	_, portStr, ok := strings.Cut(bind, ":")
	if !ok {
		return errors.Errorf("bind %q: expected host:port", bind)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Wrapf(err, "bind %q: invalid port", bind)
	}
	if port < 1 || port > 65535 {
		return errors.Errorf("bind %q: port out of range 1-65535", bind)
	}
	return nil
}

// ParseEnvars returns a map of all environment variables.
func ParseEnvars() map[string]string {
	envars := make(map[string]string)
	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok {
			envars[key] = value
		}
	}
	return envars
}

// ExpandVars expands environment variable references in HCL strings and heredocs.
func ExpandVars(ast *hcl.AST, vars map[string]string) {
	_ = hcl.Visit(ast, func(node hcl.Node, next func() error) error { //nolint:errcheck
		attr, ok := node.(*hcl.Attribute)
		if ok {
			switch attr := attr.Value.(type) {
			case *hcl.String:
				attr.Str = os.Expand(attr.Str, func(s string) string { return vars[s] })
			case *hcl.Heredoc:
				attr.Doc = os.Expand(attr.Doc, func(s string) string { return vars[s] })
			}
		}
		return next()
	})
}

// InjectEnvars walks the schema and for each attribute not present in the config,
// checks for a corresponding environment variable and injects it.
//
// Environment variable names are derived from the path to the attribute:
// prefix + block names + attr name, joined with "_", uppercased, hyphens replaced with "_".
// e.g. prefix="AURORAPROXY", path=["package-cache", "cache-root"] -> "AURORAPROXY_PACKAGE_CACHE_CACHE_ROOT".
func InjectEnvars(schema *hcl.AST, config *hcl.AST, prefix string, vars map[string]string) {
	container := &entryContainer{ast: config}
	injectEntries(schema.Entries, container, []string{prefix}, vars)
	_ = hcl.AddParentRefs(config) //nolint:errcheck
}

// entryContainer abstracts over AST (top-level) and Block (nested) for inserting entries.
type entryContainer struct {
	ast   *hcl.AST
	block *hcl.Block
}

func (c *entryContainer) entries() hcl.Entries {
	if c.block != nil {
		return c.block.Body
	}
	return c.ast.Entries
}

func (c *entryContainer) append(entry hcl.Entry) {
	if c.block != nil {
		c.block.Body = append(c.block.Body, entry)
	} else {
		c.ast.Entries = append(c.ast.Entries, entry)
	}
}

func (c *entryContainer) findBlock(name string) *entryContainer {
	for _, e := range c.entries() {
		if block, ok := e.(*hcl.Block); ok && block.Name == name {
			return &entryContainer{ast: c.ast, block: block}
		}
	}
	return nil
}

func injectEntries(schemaEntries hcl.Entries, container *entryContainer, path []string, vars map[string]string) {
	for _, entry := range schemaEntries {
		switch entry := entry.(type) {
		case *hcl.Attribute:
			typ, ok := entry.Value.(*hcl.Type)
			if !ok {
				continue
			}
			envarName := pathToEnvar(appendPath(path, entry.Key))
			val, ok := vars[envarName]
			if !ok {
				continue
			}
			if hasAttr(container.entries(), entry.Key) {
				continue
			}
			hclVal, err := parseValue(val, typ.Type)
			if err != nil {
				continue
			}
			container.append(&hcl.Attribute{Key: entry.Key, Value: hclVal})

		case *hcl.Block:
			child := container.findBlock(entry.Name)
			if child == nil {
				// Create a temporary container; only add the block to the
				// config if at least one envar populated it.
				tmp := &entryContainer{ast: container.ast, block: &hcl.Block{Name: entry.Name}}
				injectEntries(entry.Body, tmp, appendPath(path, entry.Name), vars)
				if len(tmp.block.Body) > 0 {
					container.append(tmp.block)
				}
			} else {
				injectEntries(entry.Body, child, appendPath(path, entry.Name), vars)
			}
		}
	}
}

func appendPath(path []string, next string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, next)
}

func pathToEnvar(path []string) string {
	s := strings.Join(path, "_")
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ToUpper(s)
}

func hasAttr(entries hcl.Entries, key string) bool {
	for _, e := range entries {
		if attr, ok := e.(*hcl.Attribute); ok && attr.Key == key {
			return true
		}
	}
	return false
}

func parseValue(raw string, typ string) (hcl.Value, error) {
	switch typ {
	case "string":
		return &hcl.String{Str: raw}, nil
	case "number":
		f, _, err := big.ParseFloat(raw, 10, 256, big.ToNearestEven)
		if err != nil {
			return nil, errors.Wrap(err, raw)
		}
		return &hcl.Number{Float: f}, nil
	case "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.Wrap(err, raw)
		}
		return &hcl.Bool{Bool: b}, nil
	default:
		return nil, errors.Errorf("unsupported type %q", typ)
	}
}
