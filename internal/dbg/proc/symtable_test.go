package proc

import (
	"debug/elf"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/dbgapi/internal/dbg/test"
)

func TestMain(m *testing.M) {
	os.Exit(test.Run(m))
}

func loadFixture(t *testing.T) *SymTable {
	var sym SymTable

	elfFile, err := elf.Open(test.Build(t, "symbols"))
	require.NoError(t, err)
	defer elfFile.Close()

	dwarf, err := elfFile.DWARF()
	require.NoError(t, err)

	require.NoError(t, sym.LoadImage(dwarf))
	return &sym
}

func TestLineToPC(t *testing.T) {
	sym := loadFixture(t)

	tests := []struct {
		file     string
		line     int
		hasError bool
	}{
		{"symbols.go", 19, false},
		{"symbols.go", 23, false},
		{"fixtures/symbols.go", 28, false},
		{"symbols.go", 21, true},
		{"other.go", 19, true},
	}
	for i, test := range tests {
		pc, file, err := sym.LineToPC(test.file, test.line)
		if test.hasError {
			assert.Error(t, err, "test #%d", i)
			continue
		}
		require.NoError(t, err, "test #%d", i)
		assert.NotZero(t, pc, "test #%d", i)
		assert.True(t, strings.HasSuffix(file, "fixtures/symbols.go"), "test #%d", i)
	}
}

func TestPCToFunc(t *testing.T) {
	sym := loadFixture(t)

	pc, _, err := sym.LineToPC("symbols.go", 23)
	require.NoError(t, err)

	f := sym.PCToFunc(pc)
	require.NotNil(t, f)
	assert.Equal(t, "main.middle", f.Name())
	assert.Equal(t, "middle", f.BaseName())
	assert.LessOrEqual(t, f.Entry(), pc)
	assert.True(t, f.Contains(pc))
	assert.False(t, f.Contains(f.End()))
	assert.Regexp(t, `^main\.middle\+\d+$`, sym.Symbolize(pc))

	assert.Equal(t, f, sym.PCToFunc(f.Entry()))
	assert.Nil(t, sym.PCToFunc(0))
	assert.Empty(t, sym.Symbolize(0))
}

func TestLookup(t *testing.T) {
	sym := loadFixture(t)

	pc, _, err := sym.LineToPC("symbols.go", 19)
	require.NoError(t, err)

	file, line, ok := sym.PCToLine(pc)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(file, "symbols.go"))
	assert.Equal(t, 19, line)

	loc := sym.Lookup(pc)
	require.NotNil(t, loc.Func)
	assert.Equal(t, "main.leaf", loc.Func.Name())
	assert.Regexp(t, `^main\.leaf\+\d+ at .*symbols\.go:19$`, loc.String())

	loc = sym.Lookup(0)
	assert.Nil(t, loc.Func)
	assert.Empty(t, loc.File)
	assert.Equal(t, "0x0", loc.String())
}
