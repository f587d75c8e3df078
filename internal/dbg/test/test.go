package test

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

var (
	mu     sync.Mutex
	tmpDir string
	built  = map[string]string{}
)

// Build compiles fixtures/<name>.go without optimizations, so its DWARF
// keeps every line, and returns the binary. Binaries are shared by the
// tests of one package. Tests are skipped when no Go toolchain is found.
func Build(t testing.TB, name string) string {
	t.Helper()
	mu.Lock()
	defer mu.Unlock()
	if bin, ok := built[name]; ok {
		return bin
	}

	gobin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not found")
	}
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot find fixture sources")
	}
	if tmpDir == "" {
		if tmpDir, err = os.MkdirTemp("", "dbgapi-"); err != nil {
			t.Fatal(err)
		}
	}

	src := filepath.Join(filepath.Dir(filename), "fixtures", name+".go")
	bin := filepath.Join(tmpDir, name)
	cmd := exec.Command(gobin, "build", "-gcflags=all=-N -l", "-o", bin, src)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("building fixture %s: %v\n%s", name, err, out)
	}
	built[name] = bin
	return bin
}

// Run runs the tests and removes the binaries Build produced.
func Run(m *testing.M) int {
	code := m.Run()
	if tmpDir != "" {
		os.RemoveAll(tmpDir)
	}
	return code
}
