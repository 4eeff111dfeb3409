package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchPathPolicyReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(file, []byte("elevated_paths:\n  /secret: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := WatchPathPolicy(file)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if !w.Current().RequiresElevation("/secret") {
		t.Fatal("expected /secret to require elevation from the initial load")
	}
	if w.Current().RequiresElevation("/public") {
		t.Fatal("expected /public to not require elevation")
	}

	if err := os.WriteFile(file, []byte("elevated_paths:\n  /public: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().RequiresElevation("/public") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for path policy reload to pick up the rewritten file")
}
