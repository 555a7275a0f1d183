// Package filestore persists memories as markdown files with YAML front
// matter. The file tree is the source of truth for memory content: reads
// come from here, and the indexed store is rebuilt from it after any
// divergence.
//
// Layout is one file per memory at <root>/<project>/<name>.md, with
// project-less memories under <root>/global/.
package filestore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mindbase/mindbase-go/pkg/core"
)

// GlobalDir is the directory for memories with no project scope.
const GlobalDir = "global"

// Store reads and writes memory files under one root directory.
type Store struct {
	root string
}

// Config contains configuration for creating a file Store.
type Config struct {
	// Root is the directory the memory tree lives under.
	Root string
}

// New creates a new file store, creating the root if needed.
func New(cfg *Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, core.NewStoreError("NewFileStore", fmt.Errorf("%w: root is required", core.ErrInvalidConfig))
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, core.NewStoreErrorPath("NewFileStore", cfg.Root, err)
	}
	return &Store{root: cfg.Root}, nil
}

// Root returns the root directory of the store.
func (s *Store) Root() string { return s.root }

// Path returns the file path a memory is stored at.
func (s *Store) Path(name, project string) string {
	dir := project
	if dir == "" {
		dir = GlobalDir
	}
	return filepath.Join(s.root, dir, name+".md")
}

// frontMatter is the YAML header of a memory file.
type frontMatter struct {
	Name      string    `yaml:"name"`
	Project   string    `yaml:"project,omitempty"`
	Category  string    `yaml:"category"`
	Tags      []string  `yaml:"tags,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Write persists a memory to its file, fsyncing before returning.
//
// The write goes through a temp file in the same directory followed by a
// rename, so a crash never leaves a half-written memory behind.
func (s *Store) Write(ctx context.Context, mem *core.Memory) error {
	if err := validateName(mem.Name); err != nil {
		return core.NewStoreError("WriteMemory", err)
	}
	if mem.Project != "" {
		if err := validateName(mem.Project); err != nil {
			return core.NewStoreError("WriteMemory", err)
		}
	}

	path := s.Path(mem.Name, mem.Project)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return core.NewStoreErrorPath("WriteMemory", path, err)
	}

	data, err := encode(mem)
	if err != nil {
		return core.NewStoreErrorPath("WriteMemory", path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+mem.Name+".*.tmp")
	if err != nil {
		return core.NewStoreErrorPath("WriteMemory", path, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return core.NewStoreErrorPath("WriteMemory", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return core.NewStoreErrorPath("WriteMemory", path, err)
	}
	if err := tmp.Close(); err != nil {
		return core.NewStoreErrorPath("WriteMemory", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return core.NewStoreErrorPath("WriteMemory", path, err)
	}
	if err := syncDir(dir); err != nil {
		return core.NewStoreErrorPath("WriteMemory", path, err)
	}
	return nil
}

// Read loads one memory from its file. Returns core.ErrNotFound when the
// file does not exist.
func (s *Store) Read(ctx context.Context, name, project string) (*core.Memory, error) {
	if err := validateName(name); err != nil {
		return nil, core.NewStoreError("ReadMemory", err)
	}
	path := s.Path(name, project)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, core.NewStoreErrorPath("ReadMemory", path, core.ErrNotFound)
	}
	if err != nil {
		return nil, core.NewStoreErrorPath("ReadMemory", path, err)
	}
	mem, err := decode(data)
	if err != nil {
		return nil, core.NewStoreErrorPath("ReadMemory", path, err)
	}
	// The path, not the header, is authoritative for identity.
	mem.Name = name
	mem.Project = project
	return mem, nil
}

// List walks the tree and loads every memory, optionally scoped to one
// project.
func (s *Store) List(ctx context.Context, project string) ([]*core.Memory, error) {
	var roots []string
	if project != "" {
		roots = []string{filepath.Join(s.root, project)}
	} else {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			return nil, core.NewStoreErrorPath("ListMemoryFiles", s.root, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				roots = append(roots, filepath.Join(s.root, e.Name()))
			}
		}
	}

	var out []*core.Memory
	for _, dir := range roots {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, core.NewStoreErrorPath("ListMemoryFiles", dir, err)
		}
		proj := filepath.Base(dir)
		if proj == GlobalDir {
			proj = ""
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ".md")
			mem, err := s.Read(ctx, name, proj)
			if err != nil {
				return nil, err
			}
			out = append(out, mem)
		}
	}
	return out, nil
}

// Keys returns the (name, project) key of every memory file, without
// parsing file bodies.
func (s *Store) Keys(ctx context.Context) ([]core.MemoryKey, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, core.NewStoreErrorPath("ListMemoryFiles", s.root, err)
	}

	var out []core.MemoryKey
	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		proj := dirEntry.Name()
		files, err := os.ReadDir(filepath.Join(s.root, proj))
		if err != nil {
			return nil, core.NewStoreErrorPath("ListMemoryFiles", filepath.Join(s.root, proj), err)
		}
		if proj == GlobalDir {
			proj = ""
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
				continue
			}
			out = append(out, core.MemoryKey{
				Name:    strings.TrimSuffix(f.Name(), ".md"),
				Project: proj,
			})
		}
	}
	return out, nil
}

// Delete removes a memory file. Deleting an absent file is not an error.
func (s *Store) Delete(ctx context.Context, name, project string) error {
	if err := validateName(name); err != nil {
		return core.NewStoreError("DeleteMemory", err)
	}
	path := s.Path(name, project)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return core.NewStoreErrorPath("DeleteMemory", path, err)
	}
	return nil
}

// encode renders a memory file: YAML front matter, then the body.
func encode(mem *core.Memory) ([]byte, error) {
	fm := frontMatter{
		Name:      mem.Name,
		Project:   mem.Project,
		Category:  string(mem.Category),
		Tags:      mem.Tags,
		CreatedAt: mem.CreatedAt.UTC(),
		UpdatedAt: mem.UpdatedAt.UTC(),
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	buf.WriteString(mem.Content)
	if !strings.HasSuffix(mem.Content, "\n") {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// decode parses a memory file. Files without front matter are accepted;
// the whole file becomes the body.
func decode(data []byte) (*core.Memory, error) {
	mem := &core.Memory{Category: core.CategoryNote}

	text := string(data)
	if strings.HasPrefix(text, "---\n") {
		rest := text[len("---\n"):]
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated front matter", core.ErrMalformedRecord)
		}
		var fm frontMatter
		if err := yaml.Unmarshal([]byte(rest[:end+1]), &fm); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrMalformedRecord, err)
		}
		if fm.Category != "" {
			mem.Category = core.Category(fm.Category)
		}
		mem.Tags = fm.Tags
		mem.CreatedAt = fm.CreatedAt.UTC()
		mem.UpdatedAt = fm.UpdatedAt.UTC()

		body := rest[end+len("\n---"):]
		body = strings.TrimPrefix(body, "\n")
		body = strings.TrimPrefix(body, "\n")
		text = body
	}

	mem.Content = strings.TrimSuffix(text, "\n")
	return mem, nil
}

// validateName rejects names that would escape the tree or collide with
// the file layout.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", core.ErrValidation)
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid name %q", core.ErrValidation, name)
	}
	return nil
}

// syncDir fsyncs a directory so a rename is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
