// Package sys decodes kernel-provided process data.
package sys

import (
	"encoding/binary"
	"fmt"
)

const (
	_AT_NULL         = 0
	_AT_PAGESZ       = 6
	_AT_ENTRY        = 9
	_AT_SYSINFO_EHDR = 33

	ptrSize = 8
)

type AuxV struct {
	// The following fields are present in all ELF binaries.
	// See /usr/include/linux/auxvec.h
	Entry    uint64
	Vdso     uint64
	PageSize uint64
}

// ParseAuxV decodes a 64-bit little-endian auxiliary vector, as read from
// /proc/<pid>/auxv or qXfer:auxv:read.
func ParseAuxV(auxv []byte) (AuxV, error) {
	var a AuxV
	for i := 0; ; i += ptrSize * 2 {
		if i+ptrSize*2 > len(auxv) {
			return a, fmt.Errorf("auxv truncated at offset %d", i)
		}
		tag := binary.LittleEndian.Uint64(auxv[i:])
		val := binary.LittleEndian.Uint64(auxv[i+ptrSize:])
		switch tag {
		case _AT_NULL:
			return a, nil
		case _AT_ENTRY:
			a.Entry = val
		case _AT_SYSINFO_EHDR:
			a.Vdso = val
		case _AT_PAGESZ:
			a.PageSize = val
		}
	}
}
