package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rantslabs/rants/internal/errkind"
)

func testExecContext(t *testing.T) *ExecContext {
	t.Helper()
	return &ExecContext{
		WorkspaceRoot:    t.TempDir(),
		OutputMaxBytes:   1 << 16,
		WebfetchMaxBytes: 1 << 20,
	}
}

func TestDefaultRegistry(t *testing.T) {
	registry, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	for _, name := range []string{"bash", "read", "write", "edit", "multiedit", "ls", "glob", "grep", "webfetch", "task", "batch"} {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
	if registry.Digest() == "" {
		t.Error("digest must not be empty")
	}
	if registry.Digest() != registry.Digest() {
		t.Error("digest must be deterministic")
	}
}

func TestRegistryValidate(t *testing.T) {
	registry, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}

	if err := registry.Validate("read", json.RawMessage(`{"filePath":"a.txt"}`)); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
	if err := registry.Validate("read", json.RawMessage(`{"offset":1}`)); err == nil {
		t.Error("missing required filePath must fail validation")
	}
	if err := registry.Validate("read", json.RawMessage(`{"filePath":42}`)); err == nil {
		t.Error("wrong type must fail validation")
	}
	if err := registry.Validate("nosuch", json.RawMessage(`{}`)); err == nil {
		t.Error("unknown tool must fail validation")
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(readTool{}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(readTool{}); err == nil {
		t.Error("duplicate registration must fail")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ec := testExecContext(t)
	ctx := context.Background()

	res := (writeTool{}).Execute(ctx, ec, json.RawMessage(`{"filePath":"notes/hello.txt","content":"alpha\nbeta"}`))
	if !res.OK {
		t.Fatalf("write failed: %s", res.Output)
	}

	res = (readTool{}).Execute(ctx, ec, json.RawMessage(`{"filePath":"notes/hello.txt"}`))
	if !res.OK {
		t.Fatalf("read failed: %s", res.Output)
	}
	if !strings.Contains(res.Output, "00001| alpha") || !strings.Contains(res.Output, "00002| beta") {
		t.Errorf("read output missing numbered lines: %s", res.Output)
	}
}

func TestEditRequiresUniqueMatch(t *testing.T) {
	ec := testExecContext(t)
	ctx := context.Background()
	path := filepath.Join(ec.WorkspaceRoot, "f.txt")
	if err := os.WriteFile(path, []byte("x x"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := (editTool{}).Execute(ctx, ec, json.RawMessage(`{"filePath":"f.txt","oldString":"x","newString":"y"}`))
	if res.OK {
		t.Error("ambiguous oldString must fail")
	}

	res = (editTool{}).Execute(ctx, ec, json.RawMessage(`{"filePath":"f.txt","oldString":"x","newString":"y","replaceAll":true}`))
	if !res.OK {
		t.Fatalf("replaceAll edit failed: %s", res.Output)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "y y" {
		t.Errorf("file = %q, want %q", data, "y y")
	}
}

func TestSandboxRejectsEscape(t *testing.T) {
	ec := testExecContext(t)
	ctx := context.Background()

	res := (readTool{}).Execute(ctx, ec, json.RawMessage(`{"filePath":"../../etc/passwd"}`))
	if res.OK {
		t.Fatal("escape must fail")
	}
	if res.ErrorKind != errkind.SandboxViolation {
		t.Errorf("error kind = %s, want sandbox_violation", res.ErrorKind)
	}
}

func TestSandboxRejectsSymlinkEscape(t *testing.T) {
	ec := testExecContext(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(ec.WorkspaceRoot, "link")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	res := (readTool{}).Execute(context.Background(), ec, json.RawMessage(`{"filePath":"link/secret.txt"}`))
	if res.OK {
		t.Fatal("symlink escape must fail")
	}
	if res.ErrorKind != errkind.SandboxViolation {
		t.Errorf("error kind = %s, want sandbox_violation", res.ErrorKind)
	}
}

func TestCapOutput(t *testing.T) {
	atCap := strings.Repeat("a", 100)
	out, dropped := capOutput(atCap, 100)
	if out != atCap || dropped != 0 {
		t.Errorf("output at cap must pass through; dropped = %d", dropped)
	}

	over := strings.Repeat("a", 101)
	out, dropped = capOutput(over, 100)
	if !strings.HasSuffix(out, truncationMarker) {
		t.Error("truncated output must carry the marker")
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestBashTool(t *testing.T) {
	ec := testExecContext(t)
	res := (bashTool{}).Execute(context.Background(), ec, json.RawMessage(`{"command":"printf hello-from-shell"}`))
	if !res.OK {
		t.Fatalf("bash failed: %s", res.Output)
	}
	var out struct {
		ExitCode int    `json:"exit_code"`
		Stdout   string `json:"stdout"`
	}
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.ExitCode != 0 || out.Stdout != "hello-from-shell" {
		t.Errorf("output = %+v", out)
	}
}

func TestBashToolNonZeroExit(t *testing.T) {
	ec := testExecContext(t)
	res := (bashTool{}).Execute(context.Background(), ec, json.RawMessage(`{"command":"exit 3"}`))
	if !res.OK {
		t.Fatalf("non-zero exit is still a successful execution: %s", res.Output)
	}
	var out struct {
		ExitCode int `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatal(err)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit_code = %d, want 3", out.ExitCode)
	}
}

func TestWebfetchTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fetched body"))
	}))
	defer server.Close()

	ec := testExecContext(t)
	res := newWebfetchTool().Execute(context.Background(), ec, json.RawMessage(`{"url":"`+server.URL+`"}`))
	if !res.OK {
		t.Fatalf("webfetch failed: %s", res.Output)
	}
	if !strings.Contains(res.Output, "fetched body") {
		t.Errorf("output = %s", res.Output)
	}
}

func TestWebfetchToolCapsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 2048))
	}))
	defer server.Close()

	ec := testExecContext(t)
	ec.WebfetchMaxBytes = 512
	res := newWebfetchTool().Execute(context.Background(), ec, json.RawMessage(`{"url":"`+server.URL+`"}`))
	if !res.OK {
		t.Fatalf("webfetch failed: %s", res.Output)
	}
	var out struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Content) != 512 {
		t.Errorf("body length = %d, want capped at 512", len(out.Content))
	}
}

func TestGrepTool(t *testing.T) {
	ec := testExecContext(t)
	if err := os.WriteFile(filepath.Join(ec.WorkspaceRoot, "a.go"), []byte("package a\nfunc Hello() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := (grepTool{}).Execute(context.Background(), ec, json.RawMessage(`{"pattern":"func Hello","include":"*.go"}`))
	if !res.OK {
		t.Fatalf("grep failed: %s", res.Output)
	}
	if !strings.Contains(res.Output, `"line":2`) {
		t.Errorf("grep output = %s", res.Output)
	}
}

func TestGlobTool(t *testing.T) {
	ec := testExecContext(t)
	if err := os.MkdirAll(filepath.Join(ec.WorkspaceRoot, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ec.WorkspaceRoot, "src", "m.go"), []byte("package m"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := (globTool{}).Execute(context.Background(), ec, json.RawMessage(`{"pattern":"src/*.go"}`))
	if !res.OK || !strings.Contains(res.Output, "src/m.go") {
		t.Errorf("glob output = %s", res.Output)
	}
}
