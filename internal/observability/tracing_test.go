package observability

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/checkbench/internal/config"
)

func TestNewTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false}, Resource{Version: "1.0.0"})
	if err != nil {
		t.Fatalf("NewTracerSetup() error: %v", err)
	}
	if ts != nil {
		t.Fatal("expected nil setup when tracing is disabled")
	}
	if ts.Tracer() == nil {
		t.Fatal("nil setup should still hand out a tracer")
	}
}

func TestNewResource_Attributes(t *testing.T) {
	t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "team=dev-tools")

	cfg := &config.TracingConfig{
		Environment: "staging",
		Attributes:  map[string]string{"region": "eu-west-1"},
	}
	info := Resource{
		Version:   "1.4.2",
		Workspace: "/srv/checkbench",
		Sandbox:   "docker",
		Tools:     []string{"mypy", "ty"},
	}

	res, err := newResource(context.Background(), cfg, info)
	if err != nil {
		t.Fatalf("newResource() error: %v", err)
	}
	set := res.Set()

	want := map[attribute.Key]string{
		"service.name":            "checkbench",
		"service.version":         "1.4.2",
		"deployment.environment":  "staging",
		"checkbench.workspace":    "/srv/checkbench",
		"checkbench.sandbox.type": "docker",
		"region":                  "eu-west-1",
		"team":                    "dev-tools",
	}
	for key, expected := range want {
		v, ok := set.Value(key)
		if !ok {
			t.Errorf("resource missing %s", key)
			continue
		}
		if got := v.AsString(); got != expected {
			t.Errorf("%s = %q, want %q", key, got, expected)
		}
	}

	tools, ok := set.Value("checkbench.tools")
	if !ok {
		t.Fatal("resource missing checkbench.tools")
	}
	if got := tools.AsStringSlice(); len(got) != 2 || got[0] != "mypy" || got[1] != "ty" {
		t.Errorf("checkbench.tools = %v", got)
	}
}

func TestNewResource_OmitsEmptyFields(t *testing.T) {
	res, err := newResource(context.Background(), &config.TracingConfig{ServiceName: "bench-eu"}, Resource{})
	if err != nil {
		t.Fatalf("newResource() error: %v", err)
	}
	set := res.Set()

	if v, _ := set.Value("service.name"); v.AsString() != "bench-eu" {
		t.Errorf("service.name = %q, want bench-eu", v.AsString())
	}
	for _, key := range []attribute.Key{"service.version", "deployment.environment", "checkbench.workspace", "checkbench.tools"} {
		if _, ok := set.Value(key); ok {
			t.Errorf("unexpected %s on resource", key)
		}
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{1.5, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		got := sampler(tt.rate).Description()
		want := "ParentBased{root:" + tt.want
		if !strings.HasPrefix(got, want) {
			t.Errorf("sampler(%v) = %q, want prefix %q", tt.rate, got, want)
		}
	}
}
