package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/objrt/rc"
)

func TestLoadManifest(t *testing.T) {
	// Create a temporary directory with an objrt.toml
	dir := t.TempDir()
	tomlContent := `
[runtime]
inline-refcounts = false
inline-count-bits = 8
side-table-shards = 16
weak-table-shards = 32
strict-weak-registration = false
deadlock-detection = true

[monitor]
enabled = true
interval = "250ms"

[log]
verbosity = 2
file = "objrt.log"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Runtime.InlineRefCounts {
		t.Error("runtime inline-refcounts = true, want false")
	}
	if m.Runtime.InlineCountBits != 8 {
		t.Errorf("runtime inline-count-bits = %d, want 8", m.Runtime.InlineCountBits)
	}
	if m.Runtime.SideTableShards != 16 {
		t.Errorf("runtime side-table-shards = %d, want 16", m.Runtime.SideTableShards)
	}
	if m.Runtime.WeakTableShards != 32 {
		t.Errorf("runtime weak-table-shards = %d, want 32", m.Runtime.WeakTableShards)
	}
	if m.Runtime.StrictWeakRegistration {
		t.Error("runtime strict-weak-registration = true, want false")
	}
	if !m.Runtime.DeadlockDetection {
		t.Error("runtime deadlock-detection = false, want true")
	}
	if !m.Monitor.Enabled {
		t.Error("monitor enabled = false, want true")
	}
	if m.Monitor.Interval.Duration != 250*time.Millisecond {
		t.Errorf("monitor interval = %s, want 250ms", m.Monitor.Interval)
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", m.Log.Verbosity)
	}
	if m.Log.File != "objrt.log" {
		t.Errorf("log file = %q, want objrt.log", m.Log.File)
	}
	if abs, _ := filepath.Abs(dir); m.Dir != abs {
		t.Errorf("dir = %q, want %q", m.Dir, abs)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[log]
verbosity = 1
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	defaults := rc.DefaultOptions()
	if got := m.RuntimeOptions(); got.InlineRefCounts != defaults.InlineRefCounts ||
		got.InlineCountBits != defaults.InlineCountBits ||
		got.SideTableShards != defaults.SideTableShards ||
		got.WeakTableShards != defaults.WeakTableShards ||
		got.StrictWeakRegistration != defaults.StrictWeakRegistration ||
		got.DeadlockDetection != defaults.DeadlockDetection {
		t.Errorf("default runtime options = %+v, want %+v", got, defaults)
	}
	if m.Monitor.Enabled {
		t.Error("monitor should be disabled by default")
	}
	if m.Monitor.Interval.Duration != rc.DefaultMonitorInterval {
		t.Errorf("default monitor interval = %s, want %s", m.Monitor.Interval, rc.DefaultMonitorInterval)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bits too wide", "[runtime]\ninline-count-bits = 30\n", "inline-count-bits"},
		{"bits zero", "[runtime]\ninline-count-bits = 0\n", "inline-count-bits"},
		{"no shards", "[runtime]\nside-table-shards = 0\n", "side-table-shards"},
		{"bad interval", "[monitor]\ninterval = \"soon\"\n", ""},
		{"unknown key", "[runtime]\ninline = true\n", "unknown key"},
		{"syntax", "[runtime\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	tomlContent := `[runtime]
inline-count-bits = 12
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Runtime.InlineCountBits != 12 {
		t.Errorf("inline-count-bits = %d, want 12", m.Runtime.InlineCountBits)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no objrt.toml exists")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil {
		t.Fatal("expected an error for a missing objrt.toml")
	}
	if !strings.Contains(err.Error(), FileName) {
		t.Errorf("error %q does not name the file", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	m := Default()
	m.Runtime.InlineCountBits = 5
	m.Monitor.Interval = Duration{90 * time.Second}
	m.Log.File = "out.log"

	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(buf.String(), `interval = "1m30s"`) {
		t.Errorf("encoded interval missing from:\n%s", buf.String())
	}

	back, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse of encoded manifest failed: %v", err)
	}
	if back.Runtime.InlineCountBits != 5 {
		t.Errorf("inline-count-bits = %d, want 5", back.Runtime.InlineCountBits)
	}
	if back.Monitor.Interval.Duration != 90*time.Second {
		t.Errorf("interval = %s, want 1m30s", back.Monitor.Interval)
	}
	if back.Log.File != "out.log" {
		t.Errorf("log file = %q, want out.log", back.Log.File)
	}
}
