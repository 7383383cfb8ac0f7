// Package columnar resolves an in-process columnar library from an ordered
// list of candidate providers: providers self-register into a
// priority-ordered list via init(), and the first one whose capability
// surface validates wins, the same shape as database/sql's driver registry.
package columnar

import (
	"fmt"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// Provider is a columnar runtime candidate. Concrete providers wrap a real
// library (Arrow by default) behind this interface so the orchestrator and
// facade never import arrow-go directly.
type Provider interface {
	// Name identifies the provider for logging and registry bookkeeping.
	Name() string
	// NewSchema builds a schema from field descriptors.
	NewSchema(fields []Field) (Schema, error)
}

// Field mirrors the handful of arrow.Field attributes the engine needs —
// kept provider-agnostic so a non-Arrow provider can satisfy it too.
type Field struct {
	Name     string
	Type     string // "int64", "float64", "utf8", "bool", "timestamp", "binary"
	Nullable bool
}

// Schema is the provider-agnostic handle returned by NewSchema.
type Schema interface {
	NumFields() int
	FieldName(i int) string
}

var (
	mu         sync.Mutex
	candidates []registration
)

type registration struct {
	priority int
	provider Provider
}

// Register adds a provider to the candidate list. Lower priority values are
// tried first. Intended to be called from a provider package's init().
func Register(priority int, p Provider) {
	mu.Lock()
	defer mu.Unlock()
	candidates = append(candidates, registration{priority: priority, provider: p})
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].priority < candidates[j].priority })
}

// Resolve returns the highest-priority registered provider, or an error if
// none were registered — the Go equivalent of every candidate source in the
// browser chain failing to load.
func Resolve() (Provider, error) {
	mu.Lock()
	defer mu.Unlock()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("columnar: no candidate provider registered")
	}
	return candidates[0].provider, nil
}

// arrowSchema adapts an *arrow.Schema to the provider-agnostic Schema interface.
type arrowSchema struct{ s *arrow.Schema }

func (a arrowSchema) NumFields() int         { return a.s.NumFields() }
func (a arrowSchema) FieldName(i int) string { return a.s.Field(i).Name }

func arrowTypeFor(tag string) (arrow.DataType, error) {
	switch tag {
	case "int64":
		return arrow.PrimitiveTypes.Int64, nil
	case "int32":
		return arrow.PrimitiveTypes.Int32, nil
	case "float64":
		return arrow.PrimitiveTypes.Float64, nil
	case "bool":
		return arrow.FixedWidthTypes.Boolean, nil
	case "timestamp":
		return arrow.FixedWidthTypes.Timestamp_us, nil
	case "binary":
		return arrow.BinaryTypes.Binary, nil
	case "utf8", "":
		return arrow.BinaryTypes.String, nil
	default:
		return nil, fmt.Errorf("columnar: unsupported field type %q", tag)
	}
}

// arrowProvider is the default columnar provider, backed by arrow-go.
type arrowProvider struct{}

func (arrowProvider) Name() string { return "arrow-go" }

func (arrowProvider) NewSchema(fields []Field) (Schema, error) {
	afields := make([]arrow.Field, len(fields))
	for i, f := range fields {
		dt, err := arrowTypeFor(f.Type)
		if err != nil {
			return nil, err
		}
		afields[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable}
	}
	return arrowSchema{s: arrow.NewSchema(afields, nil)}, nil
}

func init() {
	// Priority 0: the in-process Arrow library is always available once the
	// module is linked in, the direct analogue of the browser's "already on
	// globalThis" fast path.
	Register(0, arrowProvider{})
}
