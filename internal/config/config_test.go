package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "nsxpcd.yaml")
	contents := `
log_level: debug
metrics:
  address: ":9090"
  namespace: nsxpcd
connection:
  listener:
    network: tcp
    address: ":7000"
  default_timeout_seconds: 30
filecoordination:
  listener:
    network: unix
    address: /tmp/fc.sock
    privileged: true
  presenter_timeout_seconds: 10
`
	if err := os.WriteFile(file, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Connection.Listener.Address != ":7000" {
		t.Fatalf("unexpected listener address: %q", c.Connection.Listener.Address)
	}
	if c.Connection.DefaultTimeout() != 30*time.Second {
		t.Fatalf("unexpected default timeout: %v", c.Connection.DefaultTimeout())
	}
	if !c.FileCoordination.Listener.Privileged {
		t.Fatal("expected filecoordination listener to be privileged")
	}
	if c.FileCoordination.PresenterTimeout() != 10*time.Second {
		t.Fatalf("unexpected presenter timeout: %v", c.FileCoordination.PresenterTimeout())
	}
}

func TestFileCoordinationDefaultPresenterTimeout(t *testing.T) {
	var c FileCoordinationConfig
	if c.PresenterTimeout() != 30*time.Second {
		t.Fatalf("expected 30s default, got %v", c.PresenterTimeout())
	}
}
