package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefinitionsVersion is the current definitions file format.
const DefinitionsVersion = 1

// PersistenceError reports that the definitions file could not be read,
// parsed or written.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type definitionsDoc struct {
	Version  int                  `yaml:"version"`
	Commands []command.Definition `yaml:"commands"`
}

// ParseDefinitions decodes a definitions document and normalizes every
// entry. It reports whether any entry was assigned a new ID.
func ParseDefinitions(data []byte) ([]command.Definition, bool, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false, nil
	}
	var doc definitionsDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, false, err
	}
	if doc.Version > DefinitionsVersion {
		return nil, false, fmt.Errorf("unsupported definitions version %d", doc.Version)
	}
	assigned := false
	for i := range doc.Commands {
		if doc.Commands[i].ID == "" {
			assigned = true
		}
		doc.Commands[i].Normalize()
	}
	return doc.Commands, assigned, nil
}

// MarshalDefinitions encodes defs as a definitions document.
func MarshalDefinitions(defs []command.Definition) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(definitionsDoc{Version: DefinitionsVersion, Commands: defs}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DefinitionsFile loads, saves and watches the YAML file holding command
// definitions.
type DefinitionsFile struct {
	path string
	log  zerolog.Logger

	mu       sync.Mutex
	lastHash uint64
}

// NewDefinitionsFile returns a DefinitionsFile for path.
func NewDefinitionsFile(path string, log zerolog.Logger) *DefinitionsFile {
	return &DefinitionsFile{
		path: path,
		log:  log.With().Str("component", "definitions").Logger(),
	}
}

// Path returns the file path.
func (f *DefinitionsFile) Path() string {
	return f.path
}

// Load reads the definitions. A missing file yields an empty set. Entries
// without an ID get one and the file is rewritten so IDs stay stable.
func (f *DefinitionsFile) Load() ([]command.Definition, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: f.path, Err: err}
	}
	defs, assigned, err := ParseDefinitions(data)
	if err != nil {
		return nil, &PersistenceError{Op: "parse", Path: f.path, Err: err}
	}
	f.setHash(hashBytes(data))

	if assigned {
		if err := f.Save(defs); err != nil {
			f.log.Warn().Err(err).Msg("failed to persist generated command ids")
		} else {
			f.log.Info().Int("commands", len(defs)).Msg("assigned ids to new commands")
		}
	}
	return defs, nil
}

// Save atomically replaces the file with defs.
func (f *DefinitionsFile) Save(defs []command.Definition) error {
	data, err := MarshalDefinitions(defs)
	if err != nil {
		return &PersistenceError{Op: "encode", Path: f.path, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return &PersistenceError{Op: "write", Path: f.path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return &PersistenceError{Op: "write", Path: f.path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Op: "write", Path: f.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: "write", Path: f.path, Err: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: "write", Path: f.path, Err: err}
	}

	// Record the hash first so the watcher ignores our own write.
	f.setHash(hashBytes(data))
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: "write", Path: f.path, Err: err}
	}
	return nil
}

func (f *DefinitionsFile) setHash(h uint64) {
	f.mu.Lock()
	f.lastHash = h
	f.mu.Unlock()
}

// changed records h and reports whether it differs from the last content
// seen.
func (f *DefinitionsFile) changed(h uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == f.lastHash {
		return false
	}
	f.lastHash = h
	return true
}

func hashBytes(b []byte) uint64 {
	return xxhash.Sum64(b)
}
