package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/petal-labs/petalgp/catalog"
	"github.com/petal-labs/petalgp/core"
)

// Function kinds accepted in a catalog file.
const (
	KindBuiltin     = "builtin"
	KindConditional = "conditional"
	KindDivide      = "divide"
	KindIdentity    = "identity"
	KindTrace       = "trace"
)

// CatalogFile is the on-disk shape of an instruction catalog.
//
//	include_defaults: true
//	terminals:
//	  - {name: half, value: 0.5}
//	functions:
//	  - {name: square}
//	  - {name: ifneg, kind: conditional, threshold: -1}
//	  - {name: show, kind: trace}
type CatalogFile struct {
	// IncludeDefaults starts from the built-in catalog before adding the
	// declared operators.
	IncludeDefaults bool           `json:"include_defaults,omitempty"`
	Terminals       []TerminalDecl `json:"terminals,omitempty"`
	Functions       []FunctionDecl `json:"functions,omitempty"`
}

// TerminalDecl declares a constant terminal.
type TerminalDecl struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
}

// FunctionDecl declares a function operator. Kind defaults to builtin, in
// which case Builtin (or Name when Builtin is empty) names a built-in
// operator that is registered under Name.
type FunctionDecl struct {
	Name      string  `json:"name"`
	Kind      string  `json:"kind,omitempty"`
	Builtin   string  `json:"builtin,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// Diagnostic describes one problem in a catalog file.
type Diagnostic struct {
	Path    string
	Message string
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []Diagnostic
}

func (e *DiagnosticError) Error() string {
	first := e.Diagnostics[0]
	if len(e.Diagnostics) == 1 {
		return fmt.Sprintf("validation error: %s: %s", first.Path, first.Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s: %s)", len(e.Diagnostics), first.Path, first.Message)
}

// LoadCatalog reads, validates and builds the catalog at path. Trace
// operators log through logger (nil = slog.Default()).
func LoadCatalog(path string, logger *slog.Logger) (*catalog.Catalog, error) {
	file, err := ReadCatalogFile(path)
	if err != nil {
		return nil, err
	}
	return Build(file, logger)
}

// ReadCatalogFile reads and decodes a catalog file without validating it.
func ReadCatalogFile(path string) (*CatalogFile, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return ParseCatalog(data, path)
}

// ParseCatalog decodes catalog bytes; path only selects the format.
func ParseCatalog(data []byte, path string) (*CatalogFile, error) {
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	var file CatalogFile
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return &file, nil
}

// Validate reports every problem in file. An empty result means Build will
// succeed.
func Validate(file *CatalogFile) []Diagnostic {
	var diags []Diagnostic
	add := func(path, format string, args ...any) {
		diags = append(diags, Diagnostic{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	seen := map[string]string{}
	if file.IncludeDefaults {
		for _, op := range catalog.Default().Terminals() {
			seen["t:"+op.Name] = "defaults"
		}
		for _, op := range catalog.Default().Functions() {
			seen["f:"+op.Name] = "defaults"
		}
	}

	for i, t := range file.Terminals {
		path := fmt.Sprintf("terminals[%d]", i)
		if strings.TrimSpace(t.Name) == "" {
			add(path, "name is required")
		} else if prev, dup := seen["t:"+t.Name]; dup {
			add(path, "terminal %q already declared in %s", t.Name, prev)
		} else {
			seen["t:"+t.Name] = path
		}
		if t.Value == nil {
			add(path, "value is required")
		}
	}

	for i, f := range file.Functions {
		path := fmt.Sprintf("functions[%d]", i)
		if strings.TrimSpace(f.Name) == "" {
			add(path, "name is required")
		} else if prev, dup := seen["f:"+f.Name]; dup {
			add(path, "function %q already declared in %s", f.Name, prev)
		} else {
			seen["f:"+f.Name] = path
		}

		switch f.Kind {
		case "", KindBuiltin:
			name := builtinName(f)
			if _, ok := catalog.Builtin(name); !ok && name != "" {
				add(path, "unknown builtin %q", name)
			}
		case KindConditional, KindDivide, KindIdentity, KindTrace:
			if f.Builtin != "" {
				add(path, "builtin is only valid for kind %q", KindBuiltin)
			}
		default:
			add(path, "unknown kind %q", f.Kind)
		}
		if f.Threshold != 0 && f.Kind != KindConditional {
			add(path, "threshold is only valid for kind %q", KindConditional)
		}
	}

	if !file.IncludeDefaults && len(file.Terminals) == 0 {
		add("terminals", "at least one terminal is required")
	}
	return diags
}

// Build validates file and turns it into a catalog.
func Build(file *CatalogFile, logger *slog.Logger) (*catalog.Catalog, error) {
	if diags := Validate(file); len(diags) > 0 {
		return nil, &DiagnosticError{Diagnostics: diags}
	}

	terminals := make([]core.Operator, 0, len(file.Terminals))
	for _, t := range file.Terminals {
		terminals = append(terminals, core.Constant(t.Name, *t.Value))
	}
	functions := make([]core.Operator, 0, len(file.Functions))
	for _, f := range file.Functions {
		functions = append(functions, functionOperator(f, logger))
	}

	if file.IncludeDefaults {
		return catalog.Default().Extend(terminals, functions)
	}
	return catalog.New(terminals, functions)
}

// functionOperator assumes f passed Validate.
func functionOperator(f FunctionDecl, logger *slog.Logger) core.Operator {
	switch f.Kind {
	case KindConditional:
		return catalog.Conditional(f.Name, f.Threshold)
	case KindDivide:
		return catalog.CheckedDivide(f.Name)
	case KindIdentity:
		return catalog.Identity(f.Name)
	case KindTrace:
		return catalog.Trace(f.Name, logger)
	default:
		op, _ := catalog.Builtin(builtinName(f))
		op.Name = f.Name
		return op
	}
}

func builtinName(f FunctionDecl) string {
	if f.Builtin != "" {
		return f.Builtin
	}
	return f.Name
}

// Resolve discovers and loads the catalog for explicitPath, falling back to
// catalog.Default() when no file is found. The returned path is empty for
// the default catalog.
func Resolve(explicitPath string, logger *slog.Logger) (*catalog.Catalog, string, error) {
	path, found, err := DiscoverCatalogPath(explicitPath)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return catalog.Default(), "", nil
	}
	c, err := LoadCatalog(path, logger)
	if err != nil {
		return nil, path, err
	}
	return c, path, nil
}
