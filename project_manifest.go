// jscomplete/project_manifest.go
// Project manifests (jsproject.toml) and source file discovery.
package jscomplete

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// ProjectManifest is a parsed project manifest:
//
//	[project]
//	name = "app"
//
//	[[references]]
//	path = "../lib"
//
//	[sources]
//	include = ["src"]
//	exclude = ["vendor"]
type ProjectManifest struct {
	Path   string // empty when the manifest was synthesized
	Root   string
	Config manifestConfig
}

type manifestConfig struct {
	Project    projectSection     `toml:"project"`
	References []referenceSection `toml:"references"`
	Sources    sourcesSection     `toml:"sources"`
}

type projectSection struct {
	Name string `toml:"name"`
}

type referenceSection struct {
	Path string `toml:"path"`
}

type sourcesSection struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

// alwaysExcluded directory names are never scanned for sources.
var alwaysExcluded = []string{"node_modules", ".git", ".hg", ".svn"}

// ID returns the project's identifier.
func (m *ProjectManifest) ID() ProjectID { return ProjectID(m.Config.Project.Name) }

// ReferencedRoots returns the absolute root directories of directly referenced projects.
func (m *ProjectManifest) ReferencedRoots() []string {
	roots := make([]string, 0, len(m.Config.References))
	for _, ref := range m.Config.References {
		p := filepath.FromSlash(strings.TrimSpace(ref.Path))
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(m.Root, p)
		}
		roots = append(roots, filepath.Clean(p))
	}
	return roots
}

// FindProjectManifest walks up from startDir looking for a file named manifestName.
func FindProjectManifest(startDir, manifestName string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, manifestName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// LoadProjectManifest reads root/manifestName. A missing manifest yields a
// synthesized one named after the directory that includes every source under root.
func LoadProjectManifest(root, manifestName string) (*ProjectManifest, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %w", ErrManifest, root, err)
	}
	if info, err := os.Stat(absRoot); err != nil {
		return nil, fmt.Errorf("%w: project root %s: %w", ErrManifest, absRoot, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%w: project root %s is not a directory", ErrManifest, absRoot)
	}
	path := filepath.Join(absRoot, manifestName)
	var cfg manifestConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.Project.Name = filepath.Base(absRoot)
			return &ProjectManifest{Root: absRoot, Config: cfg}, nil
		}
		return nil, fmt.Errorf("%w: %s: failed to parse TOML: %w", ErrManifest, path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s: unknown key %s", ErrManifest, path, undecoded[0])
	}
	if !meta.IsDefined("project", "name") || strings.TrimSpace(cfg.Project.Name) == "" {
		return nil, fmt.Errorf("%w: %s: missing [project].name", ErrManifest, path)
	}
	cfg.Project.Name = strings.TrimSpace(cfg.Project.Name)
	return &ProjectManifest{Path: path, Root: absRoot, Config: cfg}, nil
}

// DiscoverFiles lists the source files of the project with one of extensions,
// sorted by path.
func (m *ProjectManifest) DiscoverFiles(extensions []string) ([]FileID, error) {
	includes := m.Config.Sources.Include
	if len(includes) == 0 {
		includes = []string{"."}
	}
	excluded := append(slices.Clone(alwaysExcluded), m.Config.Sources.Exclude...)

	seen := make(map[FileID]struct{})
	var files []FileID
	for _, inc := range includes {
		base := filepath.Join(m.Root, filepath.FromSlash(inc))
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == base {
					return fs.SkipDir
				}
				return err
			}
			if d.IsDir() {
				if path != base && (slices.Contains(excluded, d.Name()) || strings.HasPrefix(d.Name(), ".")) {
					return fs.SkipDir
				}
				return nil
			}
			if !slices.Contains(extensions, strings.ToLower(filepath.Ext(path))) {
				return nil
			}
			id := FileIDFromPath(path)
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				files = append(files, id)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: scanning %s: %w", ErrManifest, base, err)
		}
	}
	slices.Sort(files)
	return files, nil
}

// FileIDFromPath converts an absolute OS path into a FileID.
func FileIDFromPath(path string) FileID {
	return FileID(filepath.ToSlash(filepath.Clean(path)))
}

// Path returns the OS path of the file.
func (f FileID) Path() string { return filepath.FromSlash(string(f)) }
