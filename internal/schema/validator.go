// Package schema validates entity, edge, source and manifest records
// against versioned CUE schemas embedded in the binary.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/fkg/internal/canonical"
	"github.com/roach88/fkg/internal/model"
)

//go:embed schemas/*.cue
var schemaFS embed.FS

// Kind is the category of record being validated.
type Kind string

const (
	KindEntity   Kind = "entity"
	KindEdge     Kind = "edge"
	KindSource   Kind = "source"
	KindManifest Kind = "manifest"
)

// Result is the outcome of validating one record. A record either fully
// validates or is rejected whole; there is no partially valid result.
type Result struct {
	// ErrKind is empty when the record is valid.
	ErrKind    model.ErrorKind
	Message    string
	Violations []model.Violation
}

// Valid reports whether the record passed validation.
func (r Result) Valid() bool {
	return r.ErrKind == ""
}

// Err converts a failed result into a *model.Error, or nil when valid.
func (r Result) Err() *model.Error {
	if r.Valid() {
		return nil
	}
	msg := r.Message
	if msg == "" {
		msg = fmt.Sprintf("%d schema violation(s)", len(r.Violations))
	}
	return &model.Error{Kind: r.ErrKind, Message: msg, Violations: r.Violations}
}

// Validator holds the compiled schema set. It is safe for concurrent use.
type Validator struct {
	// mu serializes access to the CUE runtime, which is not goroutine safe.
	mu       sync.Mutex
	ctx      *cue.Context
	versions map[string]cue.Value
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
	defaultErr       error
)

// Default returns the process-wide validator over the embedded schemas.
func Default() (*Validator, error) {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = New()
	})
	return defaultValidator, defaultErr
}

// New compiles every embedded schema version.
func New() (*Validator, error) {
	sub, err := fs.Sub(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("schema: open embedded schemas: %w", err)
	}
	return NewFromFS(sub)
}

// NewFromFS compiles <version>.cue files found at the root of fsys.
func NewFromFS(fsys fs.FS) (*Validator, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("schema: read schemas: %w", err)
	}

	v := &Validator{
		ctx:      cuecontext.New(),
		versions: make(map[string]cue.Value),
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".cue" {
			continue
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", name, err)
		}
		val := v.ctx.CompileBytes(data, cue.Filename(name))
		if err := val.Err(); err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", name, err)
		}
		v.versions[strings.TrimSuffix(name, ".cue")] = val
	}
	if len(v.versions) == 0 {
		return nil, fmt.Errorf("schema: no schema versions found")
	}
	return v, nil
}

// Versions lists the available schema versions in sorted order.
func (v *Validator) Versions() []string {
	out := make([]string, 0, len(v.versions))
	for version := range v.versions {
		out = append(out, version)
	}
	slices.Sort(out)
	return out
}

// EntityTypes lists the entity types with a schema in version.
func (v *Validator) EntityTypes(version string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	root, ok := v.versions[version]
	if !ok {
		return nil, model.NewUnknownSchema("entity", "", version)
	}
	iter, err := root.LookupPath(cue.ParsePath("entities")).Fields()
	if err != nil {
		return nil, fmt.Errorf("schema: list entity types: %w", err)
	}
	var types []string
	for iter.Next() {
		types = append(types, iter.Selector().String())
	}
	slices.Sort(types)
	return types, nil
}

// Validate checks record against the schema for kind in schemaVersion.
//
// record may be a map, any value encoding to a JSON object, or raw JSON
// bytes. Entities dispatch on their "type" field; unknown types and versions
// yield UnknownSchema. Edge types outside the vocabulary yield UnknownEdgeType.
// All violations are reported together.
func (v *Validator) Validate(record any, schemaVersion string, kind Kind) Result {
	data, fields, err := toJSON(record)
	if err != nil {
		return violation(model.KindSchemaViolation, "", err.Error())
	}

	root, ok := v.versions[schemaVersion]
	if !ok {
		return unknownSchema(string(kind), "", schemaVersion)
	}

	var schemaPath cue.Path
	switch kind {
	case KindEntity:
		typ, _ := fields["type"].(string)
		if typ == "" {
			return violation(model.KindSchemaViolation, "type", "field is required but not present")
		}
		schemaPath = cue.MakePath(cue.Str("entities"), cue.Str(typ))
		if !v.lookup(root, schemaPath).Exists() {
			return unknownSchema(string(kind), typ, schemaVersion)
		}
	case KindEdge:
		if typ, ok := fields["type"].(string); ok && !model.EdgeType(typ).Valid() {
			e := model.NewUnknownEdgeType(typ)
			return Result{ErrKind: e.Kind, Message: e.Message, Violations: e.Violations}
		}
		schemaPath = cue.ParsePath("#Edge")
	case KindSource:
		schemaPath = cue.ParsePath("#Source")
	case KindManifest:
		schemaPath = cue.ParsePath("#Manifest")
	default:
		return violation(model.KindSchemaViolation, "", fmt.Sprintf("unknown record kind %q", kind))
	}

	return v.unify(root, schemaPath, data)
}

func (v *Validator) lookup(root cue.Value, p cue.Path) cue.Value {
	v.mu.Lock()
	defer v.mu.Unlock()
	return root.LookupPath(p)
}

func (v *Validator) unify(root cue.Value, p cue.Path, data []byte) Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	schema := root.LookupPath(p)
	if !schema.Exists() {
		return violation(model.KindUnknownSchema, "", fmt.Sprintf("schema %s not found", p))
	}

	value := v.ctx.CompileBytes(data, cue.Filename("record.json"))
	if err := value.Err(); err != nil {
		return violation(model.KindSchemaViolation, "", fmt.Sprintf("record is not valid JSON: %v", err))
	}

	err := schema.Unify(value).Validate(cue.Concrete(true))
	if err == nil {
		return Result{}
	}
	var prefix []string
	for _, sel := range p.Selectors() {
		prefix = append(prefix, sel.String())
	}
	return Result{ErrKind: model.KindSchemaViolation, Violations: violationsFromCUE(err, prefix)}
}

// violationsFromCUE flattens a CUE error tree into sorted, de-duplicated
// (field, reason) pairs. Paths are reported relative to the record.
func violationsFromCUE(err error, prefix []string) []model.Violation {
	seen := make(map[model.Violation]bool)
	var out []model.Violation
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		vio := model.Violation{
			Field:  strings.Join(trimPrefix(e.Path(), prefix), "."),
			Reason: fmt.Sprintf(format, args...),
		}
		if seen[vio] {
			continue
		}
		seen[vio] = true
		out = append(out, vio)
	}
	if len(out) == 0 {
		out = append(out, model.Violation{Reason: err.Error()})
	}
	slices.SortFunc(out, func(a, b model.Violation) int {
		if c := strings.Compare(a.Field, b.Field); c != 0 {
			return c
		}
		return strings.Compare(a.Reason, b.Reason)
	})
	return out
}

func trimPrefix(p, prefix []string) []string {
	if len(p) >= len(prefix) && slices.Equal(p[:len(prefix)], prefix) {
		return p[len(prefix):]
	}
	return p
}

// toJSON returns the JSON encoding of record along with its top-level fields.
func toJSON(record any) ([]byte, map[string]any, error) {
	var data []byte
	switch r := record.(type) {
	case []byte:
		data = r
	case json.RawMessage:
		data = r
	default:
		b, err := canonical.Marshal(record)
		if err != nil {
			return nil, nil, fmt.Errorf("encode record: %w", err)
		}
		data = b
	}
	fields, err := model.DecodeObject(data)
	if err != nil {
		return nil, nil, fmt.Errorf("record is not a JSON object: %w", err)
	}
	return data, fields, nil
}

func violation(kind model.ErrorKind, field, reason string) Result {
	return Result{ErrKind: kind, Violations: []model.Violation{{Field: field, Reason: reason}}}
}

func unknownSchema(kind, typ, version string) Result {
	e := model.NewUnknownSchema(kind, typ, version)
	return Result{ErrKind: e.Kind, Message: e.Message}
}
