package lldb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/dbgapi/internal/dbg"
)

func TestDisassembleAMD64(t *testing.T) {
	code := []byte{
		0x55,             // push %rbp
		0x48, 0x89, 0xe5, // mov %rsp,%rbp
		0x90,             // nop
		0xc3,             // ret
	}
	insts, err := disassemble(dbg.ArchAMD64, code, 0x401000, 10, nil)
	require.NoError(t, err)
	require.Len(t, insts, 4)

	assert.Equal(t, uint64(0x401000), insts[0].Address)
	assert.Equal(t, "55", insts[0].Bytes)
	assert.Contains(t, insts[0].Text, "push")

	assert.Equal(t, uint64(0x401001), insts[1].Address)
	assert.Equal(t, "48 89 e5", insts[1].Bytes)
	assert.Contains(t, insts[1].Text, "mov")

	assert.Equal(t, uint64(0x401005), insts[3].Address)
	assert.Contains(t, insts[3].Text, "ret")
	assert.Empty(t, insts[3].Symbol)
}

func TestDisassembleCount(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90, 0x90}
	insts, err := disassemble(dbg.ArchAMD64, code, 0x1000, 2, nil)
	require.NoError(t, err)
	assert.Len(t, insts, 2)
}

func TestDisassembleARM64(t *testing.T) {
	code := []byte{
		0x1f, 0x20, 0x03, 0xd5, // nop
		0xc0, 0x03, 0x5f, 0xd6, // ret
		0x00, 0x00,             // truncated
	}
	insts, err := disassemble(dbg.ArchARM64, code, 0x400000, 10, nil)
	require.NoError(t, err)
	require.Len(t, insts, 2)
	assert.Equal(t, "1f 20 03 d5", insts[0].Bytes)
	assert.Contains(t, insts[0].Text, "nop")
	assert.Equal(t, uint64(0x400004), insts[1].Address)
	assert.Contains(t, insts[1].Text, "ret")
}

func TestDisassembleUnknownArch(t *testing.T) {
	_, err := disassemble("mips", []byte{0}, 0, 1, nil)
	assert.ErrorIs(t, err, dbg.ErrNotSupported)
}
