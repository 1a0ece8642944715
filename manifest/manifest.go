// Package manifest handles objrt.toml runtime configuration.
package manifest

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	"github.com/chazu/objrt/rc"
)

// FileName is the name of the configuration file Load and FindAndLoad look for.
const FileName = "objrt.toml"

// Manifest represents an objrt.toml configuration.
type Manifest struct {
	Runtime Runtime `toml:"runtime"`
	Monitor Monitor `toml:"monitor"`
	Log     Log     `toml:"log"`

	// Dir is the directory containing the objrt.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime configures reference counting and the side and weak tables.
type Runtime struct {
	InlineRefCounts        bool `toml:"inline-refcounts"`
	InlineCountBits        uint `toml:"inline-count-bits"`
	SideTableShards        int  `toml:"side-table-shards"`
	WeakTableShards        int  `toml:"weak-table-shards"`
	StrictWeakRegistration bool `toml:"strict-weak-registration"`
	DeadlockDetection      bool `toml:"deadlock-detection"`
}

// Monitor configures the periodic table sampler.
type Monitor struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Annotatef(err, "invalid duration %q", text)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no objrt.toml exists. Keys
// omitted from a file keep these values.
func Default() *Manifest {
	opts := rc.DefaultOptions()
	return &Manifest{
		Runtime: Runtime{
			InlineRefCounts:        opts.InlineRefCounts,
			InlineCountBits:        opts.InlineCountBits,
			SideTableShards:        opts.SideTableShards,
			WeakTableShards:        opts.WeakTableShards,
			StrictWeakRegistration: opts.StrictWeakRegistration,
			DeadlockDetection:      opts.DeadlockDetection,
		},
		Monitor: Monitor{
			Interval: Duration{rc.DefaultMonitorInterval},
		},
	}
}

// Load parses an objrt.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot read %s", path)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "parse error in %s", path)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot resolve path %s", dir)
	}
	return m, nil
}

// Parse decodes and validates configuration text.
func Parse(data []byte) (*Manifest, error) {
	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown key %s", undecoded[0])
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find an objrt.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, errors.Trace(err)
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks value ranges.
func (m *Manifest) Validate() error {
	r := m.Runtime
	if r.InlineCountBits < 1 || r.InlineCountBits > rc.MaxInlineCountBits {
		return errors.Errorf("runtime.inline-count-bits must be in 1..%d, got %d", rc.MaxInlineCountBits, r.InlineCountBits)
	}
	if r.SideTableShards < 1 {
		return errors.Errorf("runtime.side-table-shards must be positive, got %d", r.SideTableShards)
	}
	if r.WeakTableShards < 1 {
		return errors.Errorf("runtime.weak-table-shards must be positive, got %d", r.WeakTableShards)
	}
	if m.Monitor.Interval.Duration <= 0 {
		return errors.Errorf("monitor.interval must be positive, got %s", m.Monitor.Interval)
	}
	return nil
}

// RuntimeOptions converts the [runtime] section to runtime options. The
// finalizer, fatal handler and metrics registerer are left for the caller.
func (m *Manifest) RuntimeOptions() rc.Options {
	return rc.Options{
		InlineRefCounts:        m.Runtime.InlineRefCounts,
		InlineCountBits:        m.Runtime.InlineCountBits,
		SideTableShards:        m.Runtime.SideTableShards,
		WeakTableShards:        m.Runtime.WeakTableShards,
		StrictWeakRegistration: m.Runtime.StrictWeakRegistration,
		DeadlockDetection:      m.Runtime.DeadlockDetection,
	}
}

// Encode writes the manifest as TOML.
func (m *Manifest) Encode(w io.Writer) error {
	return errors.Trace(toml.NewEncoder(w).Encode(m))
}
