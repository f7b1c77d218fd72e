package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/open-policy-agent/opa/v1/topdown"

	"github.com/tkingovr/wafguard/api"
)

// RegoQuery is the rule every Rego module contributes matches to.
const RegoQuery = "data.wafguard.matches"

// RegoEvaluator evaluates embedded OPA/Rego modules. It is immutable once
// built; the prepared query is safe for concurrent use.
type RegoEvaluator struct {
	sources []string
	query   rego.PreparedEvalQuery
}

// NewRegoEvaluator compiles the given Rego sources into a single query.
//
// Modules must live in package wafguard and define a set named matches:
//
//	matches contains {"id": 1001, "action": "deny", "status": 403, "msg": "..."} if { ... }
//
// Input available to the modules:
//
//	input.phase: string
//	input.client.ip / input.client.port, input.server.ip / input.server.port
//	input.request.method / uri / protocol / headers (lower-cased names) / body
//	input.response.status / protocol / headers / body
func NewRegoEvaluator(sources ...string) (*RegoEvaluator, error) {
	e := &RegoEvaluator{}
	if err := e.compile(sources); err != nil {
		return nil, err
	}
	return e, nil
}

// With returns a new evaluator holding e's modules plus sources.
func (e *RegoEvaluator) With(sources ...string) (*RegoEvaluator, error) {
	all := append(append([]string(nil), e.sources...), sources...)
	return NewRegoEvaluator(all...)
}

// Modules returns the number of compiled modules.
func (e *RegoEvaluator) Modules() int {
	return len(e.sources)
}

func (e *RegoEvaluator) compile(sources []string) error {
	opts := []func(*rego.Rego){
		rego.Query(RegoQuery),
		rego.Store(inmem.New()),
	}
	for i, src := range sources {
		name := fmt.Sprintf("rules_%d.rego", i)
		// Parse to validate
		if _, err := ast.ParseModuleWithOpts(name, src, ast.ParserOptions{RegoVersion: ast.RegoV1}); err != nil {
			return fmt.Errorf("parsing Rego module %d: %w", i, err)
		}
		opts = append(opts, rego.Module(name, src))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("preparing Rego query: %w", err)
	}
	e.sources = sources
	e.query = query
	return nil
}

// Evaluate runs the Rego modules against the current phase.
func (e *RegoEvaluator) Evaluate(ctx context.Context, in *Input, yield func(Result) bool) error {
	rs, err := e.query.Eval(ctx, rego.EvalInput(regoInput(in)))
	if err != nil {
		// Fail closed on policy runtime errors
		if topdown.IsError(err) {
			yield(Result{
				Action:  ActionDeny,
				Status:  http.StatusForbidden,
				Log:     true,
				Message: "Rego evaluation error: " + err.Error(),
			})
			return nil
		}
		return fmt.Errorf("Rego evaluation failed: %w", err)
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil
	}
	items, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return fmt.Errorf("unexpected Rego result type %T", rs[0].Expressions[0].Value)
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if !yield(parseRegoResult(m)) {
			return nil
		}
	}
	return nil
}

func regoInput(in *Input) map[string]any {
	return map[string]any{
		"phase":  string(in.Phase),
		"client": map[string]any{"ip": in.Client.IP, "port": in.Client.Port},
		"server": map[string]any{"ip": in.Server.IP, "port": in.Server.Port},
		"request": map[string]any{
			"method":   in.Method,
			"uri":      in.URI,
			"protocol": in.Protocol,
			"headers":  headerMap(in.RequestHeaders),
			"body":     string(in.RequestBody),
		},
		"response": map[string]any{
			"status":   in.ResponseStatus,
			"protocol": in.ResponseProtocol,
			"headers":  headerMap(in.ResponseHeaders),
			"body":     string(in.ResponseBody),
		},
	}
}

func parseRegoResult(m map[string]any) Result {
	result := Result{Action: ActionPass}

	if id, ok := regoInt(m["id"]); ok {
		result.RuleID = id
	}
	if a, ok := m["action"].(string); ok && a == ActionDeny {
		result.Action = ActionDeny
	}
	if s, ok := regoInt(m["status"]); ok {
		result.Status = s
	}
	if msg, ok := m["msg"].(string); ok {
		result.Message = msg
	}
	if l, ok := m["log"].(bool); ok {
		result.Log = l
	}
	if d, ok := m["data"].(string); ok {
		result.Data = truncate(d, maxMatchData)
	}
	return result
}

func regoInt(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

// headerMap lower-cases names and joins repeated values with ", ".
func headerMap(headers []api.Header) map[string]any {
	out := make(map[string]any, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		if prev, ok := out[name].(string); ok {
			out[name] = prev + ", " + h.Value
			continue
		}
		out[name] = h.Value
	}
	return out
}
