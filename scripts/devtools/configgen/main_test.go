package main

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestMergeMapOverridesLeaves(t *testing.T) {
	base := map[string]interface{}{
		"server": map[string]interface{}{"addr": "0.0.0.0:8086", "readTimeout": "5s"},
		"queue":  map[string]interface{}{"driver": "kafka"},
	}
	override := normalizeValue(map[interface{}]interface{}{
		"server": map[interface{}]interface{}{"addr": "127.0.0.1:9000"},
		"logger": map[interface{}]interface{}{"level": "debug"},
	})
	merged, err := mergeMap(base, override)
	if err != nil {
		t.Fatalf("mergeMap() error = %v", err)
	}
	root := merged.(map[string]interface{})
	server := root["server"].(map[string]interface{})
	if server["addr"] != "127.0.0.1:9000" || server["readTimeout"] != "5s" {
		t.Fatalf("server = %v", server)
	}
	if root["queue"].(map[string]interface{})["driver"] != "kafka" {
		t.Fatalf("queue = %v", root["queue"])
	}
	if root["logger"].(map[string]interface{})["level"] != "debug" {
		t.Fatalf("logger = %v", root["logger"])
	}
}

func TestApplySharedAuthOnlyTouchesIdentityServices(t *testing.T) {
	profile := &Profile{Auth: AuthProfile{JWTSecret: "s3cret", JWTIssuer: "benchboard"}}

	cfg, err := applySharedAuth(profile, "submit-service", map[string]interface{}{})
	if err != nil {
		t.Fatalf("applySharedAuth() error = %v", err)
	}
	identity := cfg.(map[string]interface{})["identity"].(map[string]interface{})
	if identity["secret"] != "s3cret" || identity["issuer"] != "benchboard" {
		t.Fatalf("identity = %v", identity)
	}

	cfg, err = applySharedAuth(profile, "eval-worker", map[string]interface{}{})
	if err != nil {
		t.Fatalf("applySharedAuth() error = %v", err)
	}
	if _, ok := cfg.(map[string]interface{})["identity"]; ok {
		t.Fatal("eval-worker should not receive identity settings")
	}
}

func TestRunRendersProfile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "submit_service.yaml")
	if err := os.WriteFile(base, []byte("server:\n  addr: 0.0.0.0:8086\nqueue:\n  driver: kafka\n"), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	profile := "outputDir: out\nauth:\n  jwtSecret: dev\nservices:\n  submit-service:\n    base: submit_service.yaml\n    overrides:\n      queue:\n        driver: memory\n"
	profilePath := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(profilePath, []byte(profile), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	if err := run(profilePath, ""); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out", "submit_service.yaml"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var out struct {
		Server   struct{ Addr string }   `yaml:"server"`
		Queue    struct{ Driver string } `yaml:"queue"`
		Identity struct{ Secret string } `yaml:"identity"`
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if out.Server.Addr != "0.0.0.0:8086" || out.Queue.Driver != "memory" || out.Identity.Secret != "dev" {
		t.Fatalf("rendered = %+v", out)
	}
}
