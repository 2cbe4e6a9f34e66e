// jscomplete/analysis_state_test.go
package jscomplete

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
)

// testLogger returns a logger that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingPropertyStore counts writes per key on top of a SessionPropertyStore.
type countingPropertyStore struct {
	*SessionPropertyStore
	mu     sync.Mutex
	writes map[PropertyKey]int
}

func newCountingPropertyStore() *countingPropertyStore {
	return &countingPropertyStore{
		SessionPropertyStore: NewSessionPropertyStore(testLogger()),
		writes:               make(map[PropertyKey]int),
	}
}

func (c *countingPropertyStore) SetProperty(res ResourceID, key PropertyKey, value any) error {
	c.mu.Lock()
	c.writes[key]++
	c.mu.Unlock()
	return c.SessionPropertyStore.SetProperty(res, key, value)
}

func (c *countingPropertyStore) writesOf(key PropertyKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[key]
}

// failingPropertyStore fails every access.
type failingPropertyStore struct{}

func (failingPropertyStore) SetProperty(res ResourceID, key PropertyKey, value any) error {
	return fmt.Errorf("%w: write %s: disk gone", ErrStorageAccess, key)
}

func (failingPropertyStore) Property(res ResourceID, key PropertyKey) (any, error) {
	return nil, fmt.Errorf("%w: read %s: disk gone", ErrStorageAccess, key)
}

func newTestStore(t *testing.T) *AnalysisStateStore {
	t.Helper()
	return NewAnalysisStateStore(NewSessionPropertyStore(testLogger()), testLogger())
}

func TestGetOrCreateProjectState_Concurrent(t *testing.T) {
	props := newCountingPropertyStore()
	store := NewAnalysisStateStore(props, testLogger())

	const workers = 64
	results := make([]*ProjectAnalysis, workers)
	var wg sync.WaitGroup
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			pa, err := store.GetOrCreateProjectState("app")
			if err != nil {
				t.Errorf("GetOrCreateProjectState() error = %v", err)
				return
			}
			results[i] = pa
		}(i)
	}
	start.Done()
	wg.Wait()

	for i, pa := range results {
		if pa == nil || pa != results[0] {
			t.Fatalf("worker %d got handle %p, want %p", i, pa, results[0])
		}
	}
	if got := props.writesOf(keyProjectAnalysis); got != 1 {
		t.Errorf("project analysis written %d times, want 1", got)
	}
	again, err := store.GetOrCreateProjectState("app")
	if err != nil || again != results[0] {
		t.Errorf("later GetOrCreateProjectState() = %p, %v; want %p, nil", again, err, results[0])
	}
}

func TestGetOrCreateCompilationUnit_Concurrent(t *testing.T) {
	props := newCountingPropertyStore()
	store := NewAnalysisStateStore(props, testLogger())

	const workers = 32
	var created atomic.Pointer[CompilationUnit]
	var mismatches atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unit, err := store.GetOrCreateCompilationUnit("/p/a.js")
			if err != nil {
				t.Errorf("GetOrCreateCompilationUnit() error = %v", err)
				return
			}
			if !created.CompareAndSwap(nil, unit) && created.Load() != unit {
				mismatches.Add(1)
			}
		}()
	}
	wg.Wait()
	if mismatches.Load() != 0 {
		t.Errorf("%d workers saw a different unit", mismatches.Load())
	}
	if got := props.writesOf(keyCompilationUnit); got != 1 {
		t.Errorf("compilation unit written %d times, want 1", got)
	}
	if created.Load().File != "/p/a.js" {
		t.Errorf("unit file = %q, want /p/a.js", created.Load().File)
	}
}

func TestProjectStateIsolation(t *testing.T) {
	store := newTestStore(t)
	a, err := store.GetOrCreateProjectState("a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.GetOrCreateProjectState("b")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("distinct projects share an analysis handle")
	}
	if got, _ := store.GetProjectState("missing"); got != nil {
		t.Errorf("GetProjectState(missing) = %v, want nil", got)
	}
}

func TestClearProject_Cascades(t *testing.T) {
	store := newTestStore(t)
	files := []FileID{"/p/a.js", "/p/b.js"}
	if _, err := store.GetOrCreateProjectState("p"); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if _, err := store.GetOrCreateCompilationUnit(f); err != nil {
			t.Fatal(err)
		}
	}
	// A unit outside the project must survive.
	if _, err := store.GetOrCreateCompilationUnit("/other/c.js"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetMemberFiles("p", files); err != nil {
		t.Fatal(err)
	}

	if err := store.ClearProject("p"); err != nil {
		t.Fatalf("ClearProject() error = %v", err)
	}
	for _, f := range files {
		if unit, err := store.CompilationUnit(f); err != nil || unit != nil {
			t.Errorf("CompilationUnit(%s) = %v, %v; want nil, nil", f, unit, err)
		}
	}
	if got, _ := store.MemberFiles("p"); got != nil {
		t.Errorf("MemberFiles() = %v, want nil", got)
	}
	if got, _ := store.GetProjectState("p"); got != nil {
		t.Errorf("GetProjectState() = %v, want nil", got)
	}
	if unit := store.CompilationUnitOrNil("/other/c.js"); unit == nil {
		t.Error("unit of an unrelated file was cleared")
	}

	// Clearing again, or clearing an unknown project, is a no-op.
	if err := store.ClearProject("p"); err != nil {
		t.Errorf("second ClearProject() error = %v", err)
	}
	if err := store.ClearProject("never-built"); err != nil {
		t.Errorf("ClearProject(unknown) error = %v", err)
	}

	fresh, err := store.GetOrCreateProjectState("p")
	if err != nil || fresh == nil {
		t.Errorf("GetOrCreateProjectState() after clear = %v, %v", fresh, err)
	}
}

func TestReferencedProjects_DefaultsToEmpty(t *testing.T) {
	store := newTestStore(t)
	got, err := store.ReferencedProjects("p")
	if err != nil {
		t.Fatalf("ReferencedProjects() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("ReferencedProjects() = %#v, want empty non-nil slice", got)
	}

	want := []ProjectID{"lib", "util"}
	if err := store.SetReferencedProjects("p", want); err != nil {
		t.Fatal(err)
	}
	want[0] = "mutated"
	got, _ = store.ReferencedProjects("p")
	if len(got) != 2 || got[0] != "lib" || got[1] != "util" {
		t.Errorf("ReferencedProjects() = %v, want [lib util]", got)
	}

	if err := store.SetReferencedProjects("p", nil); err != nil {
		t.Fatal(err)
	}
	if got, _ = store.ReferencedProjects("p"); got == nil || len(got) != 0 {
		t.Errorf("ReferencedProjects() after reset = %#v, want empty non-nil slice", got)
	}
}

func TestGeneratedByCompiler(t *testing.T) {
	store := newTestStore(t)
	if got, err := store.GeneratedByCompiler("p"); err != nil || got {
		t.Errorf("GeneratedByCompiler() = %v, %v; want false, nil", got, err)
	}
	if err := store.SetGeneratedByCompiler("p", true); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.GeneratedByCompiler("p"); !got {
		t.Error("GeneratedByCompiler() = false after set")
	}
	if err := store.SetGeneratedByCompiler("p", false); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.GeneratedByCompiler("p"); got {
		t.Error("GeneratedByCompiler() = true after reset")
	}
}

func TestWrongTypedPropertyReadsAsAbsent(t *testing.T) {
	props := NewSessionPropertyStore(testLogger())
	store := NewAnalysisStateStore(props, testLogger())
	if err := props.SetProperty(fileResource("/p/a.js"), keyCompilationUnit, "not a unit"); err != nil {
		t.Fatal(err)
	}
	if err := props.SetProperty(projectResource("p"), keyMemberFiles, 42); err != nil {
		t.Fatal(err)
	}
	if unit, err := store.CompilationUnit("/p/a.js"); err != nil || unit != nil {
		t.Errorf("CompilationUnit() = %v, %v; want nil, nil", unit, err)
	}
	if files, err := store.MemberFiles("p"); err != nil || files != nil {
		t.Errorf("MemberFiles() = %v, %v; want nil, nil", files, err)
	}
}

func TestStorageFailures(t *testing.T) {
	store := NewAnalysisStateStore(failingPropertyStore{}, testLogger())

	tests := []struct {
		name string
		call func() error
	}{
		{"GetOrCreateProjectState", func() error { _, err := store.GetOrCreateProjectState("p"); return err }},
		{"MemberFiles", func() error { _, err := store.MemberFiles("p"); return err }},
		{"SetMemberFiles", func() error { return store.SetMemberFiles("p", []FileID{"/a.js"}) }},
		{"ReferencedProjects", func() error { _, err := store.ReferencedProjects("p"); return err }},
		{"GeneratedByCompiler", func() error { _, err := store.GeneratedByCompiler("p"); return err }},
		{"GetOrCreateCompilationUnit", func() error { _, err := store.GetOrCreateCompilationUnit("/a.js"); return err }},
		{"ClearProject", func() error { return store.ClearProject("p") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, ErrStorageAccess) {
				t.Errorf("%s error = %v, want ErrStorageAccess", tt.name, err)
			}
		})
	}

	t.Run("CompilationUnitOrNil", func(t *testing.T) {
		if unit := store.CompilationUnitOrNil("/a.js"); unit != nil {
			t.Errorf("CompilationUnitOrNil() = %v, want nil", unit)
		}
	})
	t.Run("ReferencedProjects stays non-nil", func(t *testing.T) {
		got, _ := store.ReferencedProjects("p")
		if got == nil {
			t.Error("ReferencedProjects() returned nil on failure")
		}
	})
}

func TestSessionPropertyStore_Close(t *testing.T) {
	props := NewSessionPropertyStore(testLogger())
	if err := props.SetProperty("r", "k", 1); err != nil {
		t.Fatal(err)
	}
	props.Close()
	if _, err := props.Property("r", "k"); !errors.Is(err, ErrStorageAccess) {
		t.Errorf("Property() after Close error = %v, want ErrStorageAccess", err)
	}
	if err := props.SetProperty("r", "k", 2); !errors.Is(err, ErrStorageAccess) {
		t.Errorf("SetProperty() after Close error = %v, want ErrStorageAccess", err)
	}
	props.Close() // idempotent
}

func TestSessionPropertyStore_DropResource(t *testing.T) {
	props := NewSessionPropertyStore(testLogger())
	_ = props.SetProperty("a", "k1", 1)
	_ = props.SetProperty("a", "k2", 2)
	_ = props.SetProperty("b", "k1", 3)
	props.DropResource("a")
	for _, key := range []PropertyKey{"k1", "k2"} {
		if v, _ := props.Property("a", key); v != nil {
			t.Errorf("Property(a, %s) = %v after drop, want nil", key, v)
		}
	}
	if v, _ := props.Property("b", "k1"); v != 3 {
		t.Errorf("Property(b, k1) = %v, want 3", v)
	}
}

func TestProjectAnalysis_Symbols(t *testing.T) {
	pa := newProjectAnalysis("p")
	pa.SetFileSymbols("/p/a.js", []string{"zeta", "alpha"})
	pa.SetFileSymbols("/p/b.js", []string{"alpha", "beta"})

	names, owners := pa.Symbols()
	if want := []string{"alpha", "beta", "zeta"}; fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("Symbols() names = %v, want %v", names, want)
	}
	if owners["alpha"] != "/p/a.js" {
		t.Errorf("alpha owned by %s, want first declaring file /p/a.js", owners["alpha"])
	}

	before := symbolsEpoch.Load()
	pa.SetFileSymbols("/p/a.js", nil)
	if symbolsEpoch.Load() == before {
		t.Error("symbols epoch did not advance")
	}
	names, _ = pa.Symbols()
	if want := []string{"beta"}; fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("Symbols() after removal = %v, want %v", names, want)
	}
}

func TestConcurrentReadsSeeWholeValues(t *testing.T) {
	files := [][]FileID{
		{"/p/a.js"},
		{"/p/a.js", "/p/b.js"},
		{"/p/c.js", "/p/d.js", "/p/e.js", "/p/f.js"},
	}
	refs := [][]ProjectID{
		{"lib"},
		{"lib", "util"},
		{"a", "b", "c", "d", "e"},
	}
	tests := []struct {
		name  string
		write func(s *AnalysisStateStore, i int) error
		read  func(s *AnalysisStateStore) (string, error)
		valid []string
	}{
		{
			name:  "member files",
			write: func(s *AnalysisStateStore, i int) error { return s.SetMemberFiles("app", files[i%len(files)]) },
			read: func(s *AnalysisStateStore) (string, error) {
				got, err := s.MemberFiles("app")
				return fmt.Sprint(got), err
			},
			valid: []string{fmt.Sprint([]FileID(nil)), fmt.Sprint(files[0]), fmt.Sprint(files[1]), fmt.Sprint(files[2])},
		},
		{
			name:  "referenced projects",
			write: func(s *AnalysisStateStore, i int) error { return s.SetReferencedProjects("app", refs[i%len(refs)]) },
			read: func(s *AnalysisStateStore) (string, error) {
				got, err := s.ReferencedProjects("app")
				return fmt.Sprint(got), err
			},
			valid: []string{fmt.Sprint([]ProjectID{}), fmt.Sprint(refs[0]), fmt.Sprint(refs[1]), fmt.Sprint(refs[2])},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			valid := make(map[string]bool, len(tt.valid))
			for _, v := range tt.valid {
				valid[v] = true
			}

			const writers, readers, rounds = 4, 8, 500
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < rounds; i++ {
						if err := tt.write(store, w+i); err != nil {
							t.Errorf("write error = %v", err)
							return
						}
					}
				}(w)
			}
			var torn atomic.Int32
			for r := 0; r < readers; r++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < rounds; i++ {
						got, err := tt.read(store)
						if err != nil {
							t.Errorf("read error = %v", err)
							return
						}
						if !valid[got] {
							torn.Add(1)
						}
					}
				}()
			}
			wg.Wait()
			if n := torn.Load(); n != 0 {
				t.Errorf("%d reads returned a value that was never written", n)
			}
		})
	}
}

func TestCreationLocksAreBounded(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 1000; i++ {
		f := FileID(fmt.Sprintf("/p/f%d.js", i))
		if _, err := store.GetOrCreateCompilationUnit(f); err != nil {
			t.Fatal(err)
		}
		res := fileResource(f)
		mu := store.lockFor(res)
		if store.lockFor(res) != mu {
			t.Fatalf("lockFor(%s) is not stable", res)
		}
		inStripes := false
		for j := range store.locks {
			if mu == &store.locks[j] {
				inStripes = true
				break
			}
		}
		if !inStripes {
			t.Fatalf("lockFor(%s) returned a mutex outside the fixed set", res)
		}
	}
}
