// Package manifest handles acorn.toml project configuration.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
)

// FileName is the manifest looked up by Load and FindAndLoad.
const FileName = "acorn.toml"

// Defaults applied by Load when a field is left unset.
const (
	DefaultMaxCallDepth = 512
	DefaultServerAddr   = "127.0.0.1:7411"
	DefaultEntry        = "main"
)

//go:embed schema.cue
var schemaSource string

// Manifest represents an acorn.toml project configuration.
type Manifest struct {
	Program  Program  `toml:"program" json:"program"`
	VM       VM       `toml:"vm" json:"vm"`
	Server   Server   `toml:"server" json:"server"`
	Log      Log      `toml:"log" json:"log"`
	Snapshot Snapshot `toml:"snapshot" json:"snapshot"`

	// Dir is the directory containing the acorn.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// Program selects what to run. Source is assembly text; Image is a
// compiled CBOR image and wins when both are set.
type Program struct {
	Source string `toml:"source" json:"source"`
	Image  string `toml:"image" json:"image"`
	Entry  string `toml:"entry" json:"entry"`
	Self   int    `toml:"self" json:"self"`
}

// VM configures the interpreter.
type VM struct {
	MaxCallDepth int  `toml:"max-call-depth" json:"max-call-depth"`
	StepLimit    int  `toml:"step-limit" json:"step-limit"`
	Trace        bool `toml:"trace" json:"trace"`
}

// Server configures the RPC listener.
type Server struct {
	Addr string `toml:"addr" json:"addr"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// Snapshot names the sqlite database that holds saved variable state.
type Snapshot struct {
	Path string `toml:"path" json:"path"`
}

// Default returns a manifest holding only defaults, rooted at dir.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

// Load parses an acorn.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find an acorn.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
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

func (m *Manifest) applyDefaults() {
	if m.Program.Entry == "" {
		m.Program.Entry = DefaultEntry
	}
	if m.VM.MaxCallDepth == 0 {
		m.VM.MaxCallDepth = DefaultMaxCallDepth
	}
	if m.Server.Addr == "" {
		m.Server.Addr = DefaultServerAddr
	}
}

// Validate checks m against the embedded #Manifest schema.
func (m *Manifest) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Manifest"))
	v := def.Unify(ctx.Encode(m))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// SourcePath returns the absolute path of the assembly source, or "".
func (m *Manifest) SourcePath() string {
	return m.resolve(m.Program.Source)
}

// ImagePath returns the absolute path of the program image, or "".
func (m *Manifest) ImagePath() string {
	return m.resolve(m.Program.Image)
}

// SnapshotPath returns the absolute path of the snapshot database, or "".
func (m *Manifest) SnapshotPath() string {
	return m.resolve(m.Snapshot.Path)
}

// LogPath returns the log file path, or nil to log to stderr.
func (m *Manifest) LogPath() *string {
	if m.Log.File == "" {
		return nil
	}
	p := m.resolve(m.Log.File)
	return &p
}

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
