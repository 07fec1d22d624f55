package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/pkg/types"
)

func decodeResult(t *testing.T, raw string) Result {
	t.Helper()
	var r Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("result is not valid JSON: %v\n%s", err, raw)
	}
	return r
}

func echoTool(name string, required ...string) Tool {
	params := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return Tool{
		Definition: types.ToolDefinition{Name: name, Parameters: params},
		Handler: func(_ context.Context, args string) (string, error) {
			return ok("echo", args)
		},
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRouter(nil)
	if err := r.Register(echoTool("a"), echoTool("b")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(echoTool("a")); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := r.Register(Tool{Definition: types.ToolDefinition{Name: "c"}}); err == nil {
		t.Error("nil handler should fail")
	}
	if err := r.Register(Tool{Handler: func(context.Context, string) (string, error) { return "", nil }}); err == nil {
		t.Error("empty name should fail")
	}
}

func TestDefinitions(t *testing.T) {
	r := NewRouter(nil)
	if err := r.Register(echoTool("a"), echoTool("b")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("got %d definitions, want 2", len(defs))
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRouter(nil)
	out, err := r.Execute(t.Context(), "nope", "{}")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res := decodeResult(t, out)
	if res.OK {
		t.Error("unknown tool should report ok=false")
	}
}

func TestExecuteMalformedArgs(t *testing.T) {
	r := NewRouter(nil)
	if err := r.Register(echoTool("a")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	out, err := r.Execute(t.Context(), "a", "{not json")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res := decodeResult(t, out); res.OK {
		t.Error("malformed args should report ok=false")
	}
}

func TestExecuteMissingRequiredArgs(t *testing.T) {
	r := NewRouter(nil)
	if err := r.Register(echoTool("a", "query", "limit")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := r.Execute(t.Context(), "a", `{"query":"x"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res := decodeResult(t, out)
	if res.OK {
		t.Error("missing required arg should report ok=false")
	}

	out, err = r.Execute(t.Context(), "a", `{"query":"x","limit":3}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res := decodeResult(t, out); !res.OK {
		t.Errorf("complete args should succeed: %+v", res)
	}
}

func TestExecuteEmptyArgsForParameterlessTool(t *testing.T) {
	r := NewRouter(nil)
	if err := r.Register(echoTool("a")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	out, err := r.Execute(t.Context(), "a", "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res := decodeResult(t, out); !res.OK {
		t.Errorf("empty args should be accepted: %+v", res)
	}
}

func TestExecuteHandlerErrorBecomesFailResult(t *testing.T) {
	r := NewRouter(nil)
	boom := Tool{
		Definition: types.ToolDefinition{Name: "boom"},
		Handler: func(context.Context, string) (string, error) {
			return "", errors.New("backend exploded")
		},
	}
	if err := r.Register(boom); err != nil {
		t.Fatalf("Register: %v", err)
	}
	out, err := r.Execute(t.Context(), "boom", "{}")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res := decodeResult(t, out); res.OK {
		t.Error("handler error should report ok=false")
	}
}

func TestExecuteOperatorTransferPropagates(t *testing.T) {
	r := NewRouter(nil)
	if err := r.Register(transferToOperatorTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := r.Execute(t.Context(), "transfer_to_operator", `{"reason":"caller asked for a human"}`)
	if !errors.Is(err, ErrOperatorTransfer) {
		t.Fatalf("err = %v, want ErrOperatorTransfer", err)
	}
}

func TestExecuteRecordsToolCalls(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	r := NewRouter(nil, WithMetrics(m))
	if err := r.Register(echoTool("a")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.Execute(t.Context(), "a", "{}"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := r.Execute(t.Context(), "nope", "{}"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	statuses := map[string]bool{}
	var durationCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			switch met.Name {
			case "voxline.tool.calls":
				sum, ok := met.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatal("tool.calls is not a sum")
				}
				for _, dp := range sum.DataPoints {
					for _, kv := range dp.Attributes.ToSlice() {
						if string(kv.Key) == "status" {
							statuses[kv.Value.AsString()] = true
						}
					}
				}
			case "voxline.tool.duration":
				hist, ok := met.Data.(metricdata.Histogram[float64])
				if !ok {
					t.Fatal("tool.duration is not a histogram")
				}
				for _, dp := range hist.DataPoints {
					durationCount += dp.Count
				}
			}
		}
	}

	if !statuses["ok"] || !statuses["unknown"] {
		t.Errorf("recorded statuses = %v, want ok and unknown", statuses)
	}
	if durationCount != 2 {
		t.Errorf("tool.duration sample count = %d, want 2", durationCount)
	}
}

func TestRequiredParams(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   int
	}{
		{"nil", nil, 0},
		{"absent", map[string]any{"type": "object"}, 0},
		{"string slice", map[string]any{"required": []string{"a", "b"}}, 2},
		{"any slice", map[string]any{"required": []any{"a", "b", "c"}}, 3},
		{"wrong type", map[string]any{"required": "a"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := requiredParams(tt.params); len(got) != tt.want {
				t.Errorf("got %v, want %d entries", got, tt.want)
			}
		})
	}
}
