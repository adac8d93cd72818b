package secret

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type stubProvider struct {
	name   string
	values map[string]string
	err    error
	closed bool
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Resolve(_ context.Context, ref string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.values[ref], nil
}

func (s *stubProvider) Close() error {
	s.closed = true
	return nil
}

func TestParseSecretRef(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		ref      string
		ok       bool
	}{
		{"secretref:stub:alpha", "stub", "alpha", true},
		{"secretref:file:/run/secrets/a:b", "file", "/run/secrets/a:b", true},
		{"secretref:stub:", "", "", false},
		{"secretref::alpha", "", "", false},
		{"not-a-secretref", "", "", false},
	}
	for _, tt := range tests {
		p, r, ok := ParseSecretRef(tt.in)
		if p != tt.provider || r != tt.ref || ok != tt.ok {
			t.Errorf("ParseSecretRef(%q) = %q, %q, %v", tt.in, p, r, ok)
		}
	}
}

func TestResolver_FullAndInline(t *testing.T) {
	r := NewResolver(true, &stubProvider{name: "stub", values: map[string]string{"a": "one", "b": "two"}})
	ctx := context.Background()

	if got, err := r.ResolveValue(ctx, "secretref:stub:a"); err != nil || got != "one" {
		t.Errorf("full ref = %q, %v; want one", got, err)
	}
	if got, err := r.ResolveValue(ctx, "Bearer secretref:stub:a secretref:stub:b"); err != nil || got != "Bearer one two" {
		t.Errorf("inline refs = %q, %v; want %q", got, err, "Bearer one two")
	}
	if got, err := r.ResolveValue(ctx, "plain"); err != nil || got != "plain" {
		t.Errorf("plain = %q, %v", got, err)
	}
}

func TestResolver_ExpandsEnvFirst(t *testing.T) {
	t.Setenv("SECRET_NAME", "a")
	r := NewResolver(true, &stubProvider{name: "stub", values: map[string]string{"a": "one"}})

	got, err := r.ResolveValue(context.Background(), "secretref:stub:${SECRET_NAME}")
	if err != nil || got != "one" {
		t.Errorf("ResolveValue() = %q, %v; want one", got, err)
	}
}

func TestResolver_Errors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("backend down")

	tests := []struct {
		name  string
		r     *Resolver
		value string
		want  error
	}{
		{"unknown provider", NewResolver(true), "secretref:vault:x", ErrUnknownProvider},
		{"empty strict", NewResolver(true, &stubProvider{name: "stub"}), "secretref:stub:x", ErrEmptySecret},
		{"provider error", NewResolver(true, &stubProvider{name: "stub", err: boom}), "secretref:stub:x", boom},
		{"missing env", NewResolver(true), "${PANEFLOW_TEST_UNSET_VAR}", ErrMissingEnv},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.r.ResolveValue(ctx, tt.value); !errors.Is(err, tt.want) {
				t.Errorf("ResolveValue() error = %v, want %v", err, tt.want)
			}
		})
	}

	lenient := NewResolver(false, &stubProvider{name: "stub"})
	if got, err := lenient.ResolveValue(ctx, "secretref:stub:x"); err != nil || got != "" {
		t.Errorf("lenient empty = %q, %v", got, err)
	}
}

func TestResolver_ResolveMap(t *testing.T) {
	r := NewResolver(true, &stubProvider{name: "stub", values: map[string]string{"k": "v"}})

	out, err := r.ResolveMap(context.Background(), map[string]string{"openai": "secretref:stub:k"})
	if err != nil || out["openai"] != "v" {
		t.Errorf("ResolveMap() = %v, %v", out, err)
	}

	_, err = r.ResolveMap(context.Background(), map[string]string{"groq": "secretref:nope:k"})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("ResolveMap() error = %v, want ErrUnknownProvider", err)
	}
}

func TestResolver_Close(t *testing.T) {
	p := &stubProvider{name: "stub"}
	if err := NewResolver(true, p).Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !p.closed {
		t.Error("provider not closed")
	}
}

func TestDefaultResolver_EnvAndFile(t *testing.T) {
	t.Setenv("PANEFLOW_TEST_KEY", "sk-env")
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("sk-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	r := DefaultResolver()
	ctx := context.Background()

	if got, err := r.ResolveValue(ctx, "secretref:env:PANEFLOW_TEST_KEY"); err != nil || got != "sk-env" {
		t.Errorf("env ref = %q, %v", got, err)
	}
	if got, err := r.ResolveValue(ctx, "secretref:file:"+path); err != nil || got != "sk-file" {
		t.Errorf("file ref = %q, %v", got, err)
	}
	if _, err := r.ResolveValue(ctx, "secretref:env:PANEFLOW_TEST_UNSET_VAR"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unset env ref error = %v, want ErrNotFound", err)
	}
	if _, err := r.ResolveValue(ctx, "secretref:file:"+path+".missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file ref error = %v, want ErrNotFound", err)
	}
}
