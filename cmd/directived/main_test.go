package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const itemSource = `
#cache item { key: "item:" + request.id, ttl: "30s", priority: 5 }
#route item { path: "/items/{id}", handler: respond, body: { id: request.id }, priority: 10 }
`

func writeSource(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.dsl")
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestCompileCommand(t *testing.T) {
	path := writeSource(t, itemSource)

	out, err := execute(t, "compile", path)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.HasPrefix(out, "digest: ") {
		t.Fatalf("expected digest header, got %q", out)
	}
	if strings.Index(out, "cache.item") > strings.Index(out, "route.item") {
		t.Fatalf("expected execution order in output:\n%s", out)
	}

	out, err = execute(t, "compile", path, "--format", "json")
	if err != nil {
		t.Fatalf("compile json: %v", err)
	}
	var info tableInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode table: %v\n%s", err, out)
	}
	if info.Generation != 1 || len(info.Directives) != 2 || info.Digest == "" {
		t.Fatalf("unexpected table %+v", info)
	}
}

func TestCompileCommandReportsRule(t *testing.T) {
	path := writeSource(t, `#cache item { key: "k" }`)

	_, err := execute(t, "compile", path)
	if err == nil {
		t.Fatalf("expected compile error")
	}
	if !strings.Contains(err.Error(), "cache.item") || !strings.Contains(err.Error(), "cache-ttl") {
		t.Fatalf("expected directive and rule in %q", err.Error())
	}

	if _, err := execute(t, "compile", path, "--format", "yaml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestRunCommand(t *testing.T) {
	path := writeSource(t, itemSource)

	out, err := execute(t, "run", path, "--route", "route.item", "--input", `{"request": {"id": "7"}}`)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	var res runOutput
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode result: %v\n%s", err, out)
	}
	if res.State != "completed" {
		t.Fatalf("expected completed, got %+v", res)
	}
	if len(res.Executed) != 2 || res.Executed[1] != "route.item" {
		t.Fatalf("unexpected executed %v", res.Executed)
	}
	resp, ok := res.Response.(map[string]any)
	if !ok {
		t.Fatalf("expected response map, got %T", res.Response)
	}
	body, ok := resp["body"].(map[string]any)
	if !ok || body["id"] != "7" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestRunCommandFlags(t *testing.T) {
	path := writeSource(t, itemSource)

	tests := []struct {
		name string
		args []string
	}{
		{"route and cron", []string{"--route", "route.item", "--cron", "cron.x"}},
		{"bad input", []string{"--input", "{"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run", path}, tt.args...)
			if _, err := execute(t, args...); err == nil {
				t.Fatalf("expected error for %v", tt.args)
			}
		})
	}
}
