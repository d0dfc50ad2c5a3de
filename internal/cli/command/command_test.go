package command_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"benchboard/internal/cli/command"
)

func TestBuildRequestCreate(t *testing.T) {
	cmd := command.Registry()["submit create"]
	params, err := command.ParseArgs([]string{"ref=bucket/key.py", "lang=python", "idempotency_key=k1"})
	if err != nil {
		t.Fatalf("ParseArgs() error = %v", err)
	}
	spec, err := command.BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if spec.Method != "POST" || spec.Path != "/api/v1/submissions" {
		t.Fatalf("spec = %s %s", spec.Method, spec.Path)
	}
	if spec.Headers["Idempotency-Key"] != "k1" {
		t.Fatalf("headers = %v", spec.Headers)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(spec.Body, &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["source_ref"] != "bucket/key.py" || body["language"] != "python" {
		t.Fatalf("body = %v", body)
	}
	if _, ok := body["idempotency_key"]; ok {
		t.Fatal("header field leaked into body")
	}
}

func TestBuildRequestPathAndQuery(t *testing.T) {
	registry := command.Registry()

	spec, err := command.BuildRequest(registry["submit get"], command.Params{"id": "a b"})
	if err != nil {
		t.Fatalf("BuildRequest(get) error = %v", err)
	}
	if spec.Path != "/api/v1/submissions/a%20b" || spec.Body != nil {
		t.Fatalf("get spec = %+v", spec)
	}

	spec, err = command.BuildRequest(registry["leaderboard list"], command.Params{"limit": "5"})
	if err != nil {
		t.Fatalf("BuildRequest(list) error = %v", err)
	}
	if spec.Path != "/api/v1/leaderboard?limit=5" {
		t.Fatalf("list path = %s", spec.Path)
	}

	if _, err := command.BuildRequest(registry["leaderboard list"], command.Params{"limit": "ten"}); err == nil {
		t.Fatal("non-numeric limit should fail")
	}
	if _, err := command.BuildRequest(registry["submit get"], command.Params{}); err == nil {
		t.Fatal("missing id should fail")
	}
}

func TestBuildRequestUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.py")
	if err := os.WriteFile(path, []byte("print(1)\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	spec, err := command.BuildRequest(command.Registry()["submit upload"], command.Params{"source_file": path, "language": "python"})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if spec.FilePath != path || spec.FileField != "file" || spec.Form["language"] != "python" || spec.Body != nil {
		t.Fatalf("spec = %+v", spec)
	}

	_, err = command.BuildRequest(command.Registry()["submit upload"], command.Params{"file": filepath.Join(t.TempDir(), "nope.py"), "language": "python"})
	if err == nil || !strings.Contains(err.Error(), "read file failed") {
		t.Fatalf("missing file error = %v", err)
	}
}

func TestParseArgsRejectsBareTokens(t *testing.T) {
	if _, err := command.ParseArgs([]string{"limit"}); err == nil {
		t.Fatal("expected error")
	}
}
