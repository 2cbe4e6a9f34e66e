// jscomplete/builder_test.go
package jscomplete

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
)

// writeProject creates a project directory with a manifest naming it and
// referencing refs (paths relative to root).
func writeProject(t *testing.T, root, name string, refs []string, files map[string]string) {
	t.Helper()
	var manifest strings.Builder
	fmt.Fprintf(&manifest, "[project]\nname = %q\n", name)
	for _, ref := range refs {
		fmt.Fprintf(&manifest, "\n[[references]]\npath = %q\n", ref)
	}
	all := map[string]string{testManifestName: manifest.String()}
	for rel, content := range files {
		all[rel] = content
	}
	writeTree(t, root, all)
}

type builderFixture struct {
	cfg      Config
	store    *AnalysisStateStore
	pipeline *Pipeline
	index    *ProjectIndex
	builder  *Builder
}

func newBuilderFixture(t *testing.T, withIndex bool) *builderFixture {
	t.Helper()
	f := &builderFixture{cfg: DefaultConfig()}
	f.store = newTestStore(t)
	f.pipeline = NewPipeline(f.cfg.MaxFileSize, testLogger())
	if withIndex {
		f.index = openTestIndex(t)
	}
	f.builder = NewBuilder(f.cfg, f.store, f.pipeline, f.index, testLogger())
	return f
}

// fresh returns a fixture with a new, empty store sharing f's index.
func (f *builderFixture) fresh(t *testing.T) *builderFixture {
	t.Helper()
	g := &builderFixture{cfg: f.cfg, pipeline: f.pipeline, index: f.index}
	g.store = newTestStore(t)
	g.builder = NewBuilder(g.cfg, g.store, g.pipeline, g.index, testLogger())
	return g
}

func (f *builderFixture) symbols(t *testing.T, p ProjectID) []string {
	t.Helper()
	pa, err := f.store.GetProjectState(p)
	if err != nil {
		t.Fatal(err)
	}
	if pa == nil {
		return nil
	}
	names, _ := pa.Symbols()
	return names
}

func TestBuildProject(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "app", nil, map[string]string{
		"a.js":              "const alpha = 1;",
		"lib/b.js":          "function beta() {}",
		"notes.txt":         "not a source",
		"node_modules/x.js": "",
	})
	f := newBuilderFixture(t, false)

	res, err := f.builder.BuildProject(context.Background(), root)
	if err != nil {
		t.Fatalf("BuildProject() error = %v", err)
	}
	wantFiles := []FileID{FileIDFromPath(filepath.Join(root, "a.js")), FileIDFromPath(filepath.Join(root, "lib", "b.js"))}
	if res.Project != "app" || res.Root != root || !reflect.DeepEqual(res.Files, wantFiles) {
		t.Errorf("BuildProject() = %+v, want project app with files %v", res, wantFiles)
	}
	if len(res.FileErrors) != 0 || res.Restored {
		t.Errorf("FileErrors = %v, Restored = %v", res.FileErrors, res.Restored)
	}
	if len(res.References) != 0 || res.References == nil {
		t.Errorf("References = %#v, want empty non-nil", res.References)
	}

	if got := f.symbols(t, "app"); !reflect.DeepEqual(got, []string{"alpha", "beta"}) {
		t.Errorf("symbols = %v, want [alpha beta]", got)
	}
	if members, _ := f.store.MemberFiles("app"); !reflect.DeepEqual(members, wantFiles) {
		t.Errorf("MemberFiles() = %v, want %v", members, wantFiles)
	}
	if generated, _ := f.store.GeneratedByCompiler("app"); !generated {
		t.Error("GeneratedByCompiler() = false after build")
	}
	for _, file := range wantFiles {
		unit := f.store.CompilationUnitOrNil(file)
		if unit == nil || unit.LastRun() == nil {
			t.Fatalf("unit for %s has no run", file)
		}
		if got := unit.LastRun().Fidelity(); got != FidelityFull {
			t.Errorf("%s fidelity = %s, want full", file, got)
		}
	}
	if pa, _ := f.store.GetProjectState("app"); pa == nil || pa.Root() != root {
		t.Errorf("project root not recorded")
	}
}

func TestBuildProject_Rebuild(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "app", nil, map[string]string{
		"a.js": "const alpha = 1;",
		"b.js": "function beta() {}",
	})
	f := newBuilderFixture(t, false)
	if _, err := f.builder.BuildProject(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	fileA := FileIDFromPath(filepath.Join(root, "a.js"))
	fileB := FileIDFromPath(filepath.Join(root, "b.js"))
	unitA := f.store.CompilationUnitOrNil(fileA)
	versionA := unitA.Version()

	if err := os.Remove(fileB.Path()); err != nil {
		t.Fatal(err)
	}
	res, err := f.builder.BuildProject(context.Background(), root)
	if err != nil {
		t.Fatalf("rebuild error = %v", err)
	}
	if !reflect.DeepEqual(res.Files, []FileID{fileA}) {
		t.Errorf("Files = %v, want [%s]", res.Files, fileA)
	}
	if f.store.CompilationUnitOrNil(fileB) != nil {
		t.Error("unit of removed file still present")
	}
	if got := f.symbols(t, "app"); !reflect.DeepEqual(got, []string{"alpha"}) {
		t.Errorf("symbols = %v, want [alpha]", got)
	}
	if f.store.CompilationUnitOrNil(fileA) != unitA {
		t.Error("rebuild replaced the unit of an unchanged file")
	}
	if unitA.Version() != versionA {
		t.Errorf("unchanged file version %d -> %d", versionA, unitA.Version())
	}
}

func TestBuildProject_OpenUnitNotOverwritten(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "app", nil, map[string]string{"a.js": "const alpha = 1;"})
	f := newBuilderFixture(t, false)
	if _, err := f.builder.BuildProject(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	unit := f.store.CompilationUnitOrNil(FileIDFromPath(filepath.Join(root, "a.js")))
	unit.SetOpen(true)
	unit.UpdateSource([]byte("const edited = 1;"))

	if _, err := f.builder.BuildProject(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if src, _ := unit.Source(); string(src) != "const edited = 1;" {
		t.Errorf("open unit source = %q, editor content was overwritten", src)
	}
	if got := f.symbols(t, "app"); !reflect.DeepEqual(got, []string{"edited"}) {
		t.Errorf("symbols = %v, want [edited]", got)
	}
}

func TestBuildProject_References(t *testing.T) {
	base := t.TempDir()
	appRoot := filepath.Join(base, "app")
	libRoot := filepath.Join(base, "lib")
	utilRoot := filepath.Join(base, "util")
	writeProject(t, appRoot, "app", []string{"../lib", "../missing"}, map[string]string{"main.js": "const main = 1;"})
	writeProject(t, libRoot, "lib", []string{"../util", "../app"}, map[string]string{"lib.js": "function helper() {}"})
	writeProject(t, utilRoot, "util", nil, map[string]string{"util.js": "class Util {}"})

	f := newBuilderFixture(t, false)
	res, err := f.builder.BuildProject(context.Background(), appRoot)
	if err != nil {
		t.Fatalf("BuildProject() error = %v", err)
	}
	if want := []ProjectID{"lib", "util"}; !reflect.DeepEqual(res.References, want) {
		t.Errorf("app references = %v, want %v", res.References, want)
	}
	if refs, _ := f.store.ReferencedProjects("lib"); !reflect.DeepEqual(refs, []ProjectID{"util", "app"}) {
		t.Errorf("lib references = %v, want [util app]", refs)
	}
	for _, p := range []ProjectID{"lib", "util"} {
		if generated, _ := f.store.GeneratedByCompiler(p); !generated {
			t.Errorf("referenced project %s was not built", p)
		}
	}
	refSyms := f.builder.referencedSymbols(res.References)
	if _, ok := refSyms["helper"]; !ok {
		t.Errorf("referencedSymbols() = %v, want helper", refSyms)
	}
	if _, ok := refSyms["Util"]; !ok {
		t.Errorf("referencedSymbols() = %v, want Util", refSyms)
	}
	if _, ok := refSyms["main"]; ok {
		t.Error("referencedSymbols() includes the project's own symbols")
	}
}

func TestBuildProject_FileErrors(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "app", nil, map[string]string{
		"small.js": "var s;",
		"big.js":   "const thisFileIsTooLarge = 'xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx';",
	})
	f := newBuilderFixture(t, false)
	f.cfg.MaxFileSize = 16
	f.pipeline = NewPipeline(f.cfg.MaxFileSize, testLogger())
	f.builder = NewBuilder(f.cfg, f.store, f.pipeline, nil, testLogger())

	res, err := f.builder.BuildProject(context.Background(), root)
	if err != nil {
		t.Fatalf("BuildProject() error = %v", err)
	}
	if len(res.FileErrors) != 1 || !errors.Is(res.FileErrors[0], ErrBuildFailed) {
		t.Errorf("FileErrors = %v, want one ErrBuildFailed", res.FileErrors)
	}
	if len(res.Files) != 2 {
		t.Errorf("Files = %v, failed files remain members", res.Files)
	}
	if got := f.symbols(t, "app"); !reflect.DeepEqual(got, []string{"s"}) {
		t.Errorf("symbols = %v, want [s]", got)
	}
}

func TestBuildProject_Errors(t *testing.T) {
	t.Run("bad manifest", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{testManifestName: "[project]\nnom = \"x\"\n"})
		_, err := newBuilderFixture(t, false).builder.BuildProject(context.Background(), root)
		if !errors.Is(err, ErrManifest) {
			t.Errorf("BuildProject() error = %v, want ErrManifest", err)
		}
	})
	t.Run("cancelled", func(t *testing.T) {
		root := t.TempDir()
		writeProject(t, root, "app", nil, map[string]string{"a.js": "var a;"})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newBuilderFixture(t, false).builder.BuildProject(ctx, root)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("BuildProject() error = %v, want context.Canceled", err)
		}
	})
}

func TestCleanProject(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "app", nil, map[string]string{"a.js": "const alpha = 1;"})
	f := newBuilderFixture(t, true)
	if _, err := f.builder.BuildProject(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := f.index.Get("app"); !found {
		t.Fatal("build did not persist an index entry")
	}

	if err := f.builder.CleanProject("app"); err != nil {
		t.Fatalf("CleanProject() error = %v", err)
	}
	if pa, _ := f.store.GetProjectState("app"); pa != nil {
		t.Error("project state survived clean")
	}
	if generated, _ := f.store.GeneratedByCompiler("app"); generated {
		t.Error("GeneratedByCompiler() = true after clean")
	}
	if f.store.CompilationUnitOrNil(FileIDFromPath(filepath.Join(root, "a.js"))) != nil {
		t.Error("unit survived clean")
	}
	if _, found, _ := f.index.Get("app"); found {
		t.Error("index entry survived clean")
	}
	if err := f.builder.CleanProject("app"); err != nil {
		t.Errorf("second CleanProject() error = %v", err)
	}
}

func TestRestoreProject(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "app", nil, map[string]string{
		"a.js": "const alpha = 1;",
		"b.js": "function beta() {}",
	})
	f := newBuilderFixture(t, true)
	built, err := f.builder.BuildProject(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	g := f.fresh(t)
	res, ok, err := g.builder.RestoreProject(context.Background(), root)
	if err != nil || !ok {
		t.Fatalf("RestoreProject() = ok %v, err %v", ok, err)
	}
	if !res.Restored || res.Project != "app" || !reflect.DeepEqual(res.Files, built.Files) {
		t.Errorf("RestoreProject() = %+v, want restored app with files %v", res, built.Files)
	}
	if got := g.symbols(t, "app"); !reflect.DeepEqual(got, []string{"alpha", "beta"}) {
		t.Errorf("restored symbols = %v, want [alpha beta]", got)
	}
	if generated, _ := g.store.GeneratedByCompiler("app"); !generated {
		t.Error("GeneratedByCompiler() = false after restore")
	}
	for _, file := range built.Files {
		unit := g.store.CompilationUnitOrNil(file)
		if unit == nil {
			t.Fatalf("no unit restored for %s", file)
		}
		if src, _ := unit.Source(); src != nil || unit.LastRun() != nil {
			t.Errorf("restored unit %s is not empty", file)
		}
	}
}

func TestRestoreProject_Stale(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, root string)
	}{
		{"file edited", func(t *testing.T, root string) {
			writeTree(t, root, map[string]string{"a.js": "const changed = 1;"})
		}},
		{"file added", func(t *testing.T, root string) {
			writeTree(t, root, map[string]string{"c.js": "var c;"})
		}},
		{"file removed", func(t *testing.T, root string) {
			if err := os.Remove(filepath.Join(root, "a.js")); err != nil {
				t.Fatal(err)
			}
		}},
		{"manifest changed", func(t *testing.T, root string) {
			writeTree(t, root, map[string]string{testManifestName: "[project]\nname = \"app\"\n\n[sources]\ninclude = [\".\"]\n"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeProject(t, root, "app", nil, map[string]string{"a.js": "const alpha = 1;"})
			f := newBuilderFixture(t, true)
			if _, err := f.builder.BuildProject(context.Background(), root); err != nil {
				t.Fatal(err)
			}
			tt.mutate(t, root)
			g := f.fresh(t)
			if _, ok, err := g.builder.RestoreProject(context.Background(), root); ok || err != nil {
				t.Errorf("RestoreProject() = ok %v, err %v; want false, nil", ok, err)
			}
			if pa, _ := g.store.GetProjectState("app"); pa != nil {
				t.Error("stale restore created project state")
			}
		})
	}
}

func TestRestoreProject_References(t *testing.T) {
	base := t.TempDir()
	appRoot := filepath.Join(base, "app")
	libRoot := filepath.Join(base, "lib")
	writeProject(t, appRoot, "app", []string{"../lib"}, map[string]string{"main.js": "const main = 1;"})
	writeProject(t, libRoot, "lib", []string{"../app"}, map[string]string{"lib.js": "function helper() {}"})

	f := newBuilderFixture(t, true)
	if _, err := f.builder.BuildProject(context.Background(), appRoot); err != nil {
		t.Fatal(err)
	}

	g := f.fresh(t)
	res, ok, err := g.builder.RestoreProject(context.Background(), appRoot)
	if err != nil || !ok {
		t.Fatalf("RestoreProject() = ok %v, err %v", ok, err)
	}
	if !slices.Equal(res.References, []ProjectID{"lib"}) {
		t.Errorf("References = %v, want [lib]", res.References)
	}
	if got := g.symbols(t, "lib"); !reflect.DeepEqual(got, []string{"helper"}) {
		t.Errorf("restored lib symbols = %v, want [helper]", got)
	}

	// A stale reference forces a rebuild of the whole graph.
	writeTree(t, libRoot, map[string]string{"lib.js": "function helper2() {}"})
	h := f.fresh(t)
	if _, ok, _ := h.builder.RestoreProject(context.Background(), appRoot); ok {
		t.Error("RestoreProject() succeeded with a stale referenced project")
	}
}

func TestRestoreProject_NoIndex(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "app", nil, map[string]string{"a.js": "var a;"})
	f := newBuilderFixture(t, false)
	if res, ok, err := f.builder.RestoreProject(context.Background(), root); res != nil || ok || err != nil {
		t.Errorf("RestoreProject() = %v, %v, %v; want nil, false, nil", res, ok, err)
	}
}

func TestCompileUnit(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "app", nil, map[string]string{"a.js": "const alpha = 1;"})
	f := newBuilderFixture(t, false)
	if _, err := f.builder.BuildProject(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	unit := f.store.CompilationUnitOrNil(FileIDFromPath(filepath.Join(root, "a.js")))
	unit.UpdateSource([]byte("const gamma = 1;"))

	if err := f.builder.CompileUnit(context.Background(), "app", unit); err != nil {
		t.Fatalf("CompileUnit() error = %v", err)
	}
	if got := f.symbols(t, "app"); !reflect.DeepEqual(got, []string{"gamma"}) {
		t.Errorf("symbols = %v, want [gamma]", got)
	}
	if unit.LastRun().Fidelity() != FidelityFull {
		t.Errorf("fidelity = %s, want full", unit.LastRun().Fidelity())
	}

	loose := NewCompilationUnit("/elsewhere/x.js")
	loose.UpdateSource([]byte("var x;"))
	if err := f.builder.CompileUnit(context.Background(), "", loose); err != nil {
		t.Errorf("CompileUnit() without project error = %v", err)
	}
}
