package lldb

import (
	"context"
	"debug/elf"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/dbgapi/internal/dbg"
	"gni.dev/dbgapi/internal/dbg/proc"
	"gni.dev/dbgapi/internal/dbg/test"
)

func TestMain(m *testing.M) {
	os.Exit(test.Run(m))
}

func loadSymbols(t *testing.T) *proc.SymTable {
	f, err := elf.Open(test.Build(t, "symbols"))
	require.NoError(t, err)
	defer f.Close()
	d, err := f.DWARF()
	require.NoError(t, err)

	var sym proc.SymTable
	require.NoError(t, sym.LoadImage(d))
	return &sym
}

func TestHostImageLookup(t *testing.T) {
	h, _ := newStubHost(t)
	ctx := context.Background()

	_, err := h.ExecuteCommand(ctx, dbg.Context{}, "image lookup -a 0x1000")
	assert.ErrorContains(t, err, "no debug information")

	h.sym = loadSymbols(t)
	pc, _, err := h.sym.LineToPC("symbols.go", 23)
	require.NoError(t, err)

	out, err := h.ExecuteCommand(ctx, dbg.Context{}, fmt.Sprintf("image lookup --address 0x%x", pc))
	require.NoError(t, err)
	assert.Regexp(t, fmt.Sprintf(`^Address: 0x%x\nSummary: main\.middle\+\d+ at .*symbols\.go:23\n$`, pc), out)

	tests := []string{
		"image lookup",
		"image lookup -a",
		"image lookup -n main",
		"image lookup -a xyz",
		"image lookup -a 0x0",
	}
	for i, cmd := range tests {
		_, err := h.ExecuteCommand(ctx, dbg.Context{}, cmd)
		assert.Error(t, err, "test #%d", i)
	}
}
