package export

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/auditchain/pkg/ledger"
)

// ErrInvalidFilter is returned when a filter expression does not compile
// to a boolean CEL program.
var ErrInvalidFilter = errors.New("export: invalid filter")

// Filter selects events with a CEL expression over the variable event:
//
//	event.id, event.tenant_id, event.event_type  string
//	event.sequence                                int
//	event.timestamp                               timestamp
//	event.payload                                 map
//
// Example: event.event_type == "CONSENT_GRANTED" && event.payload.scope == "email"
type Filter struct {
	expr string
	prg  cel.Program
}

// CompileFilter parses and type-checks expr.
func CompileFilter(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("export: cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression yields %s, want bool", ErrInvalidFilter, ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Match evaluates the filter against ev. Evaluation errors, such as a
// missing payload key, count as no match.
func (f *Filter) Match(ev ledger.Event) bool {
	out, _, err := f.prg.Eval(map[string]any{"event": activation(ev)})
	if err != nil {
		return false
	}
	v, ok := out.Value().(bool)
	return ok && v
}

// Apply returns the events matching f. A nil filter matches everything.
func (f *Filter) Apply(events []ledger.Event) []ledger.Event {
	if f == nil {
		return events
	}
	out := make([]ledger.Event, 0, len(events))
	for _, ev := range events {
		if f.Match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func activation(ev ledger.Event) map[string]any {
	return map[string]any{
		"id":         ev.ID,
		"tenant_id":  ev.TenantID,
		"event_type": string(ev.EventType),
		"sequence":   int64(ev.Sequence),
		"timestamp":  ev.Timestamp,
		"payload":    celValue(map[string]any(ev.Payload)),
	}
}

// celValue converts json.Number leaves to float64, which CEL compares
// against numeric literals.
func celValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = celValue(vv)
		}
		return out
	case ledger.Payload:
		return celValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = celValue(vv)
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case nil:
		return nil
	default:
		return v
	}
}
