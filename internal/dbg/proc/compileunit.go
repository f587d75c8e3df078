package proc

import (
	"debug/dwarf"
	"io"
	"path/filepath"
	"strings"
)

type compileUnit struct {
	name string

	files []*fileInfo
	lines []lineEntry
	funcs []*Func
}

type fileInfo struct {
	name string
	// lines maps a line to its lowest statement address.
	lines map[int]uint64
}

// lineEntry is one row of the line table. A nil file marks the end of a
// sequence: addresses from pc on belong to no line.
type lineEntry struct {
	pc   uint64
	file *fileInfo
	line int
}

func (cu *compileUnit) loadLines(d *dwarf.Data, e *dwarf.Entry) error {
	r, err := d.LineReader(e)
	if err != nil || r == nil {
		return err
	}

	files := make(map[string]*fileInfo)
	var le dwarf.LineEntry
	for {
		err := r.Next(&le)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if le.EndSequence || le.File == nil {
			cu.lines = append(cu.lines, lineEntry{pc: le.Address})
			continue
		}

		f, ok := files[le.File.Name]
		if !ok {
			f = &fileInfo{name: le.File.Name, lines: make(map[int]uint64)}
			files[f.name] = f
			cu.files = append(cu.files, f)
		}
		if pc, ok := f.lines[le.Line]; !ok || le.IsStmt && le.Address < pc {
			f.lines[le.Line] = le.Address
		}
		cu.lines = append(cu.lines, lineEntry{pc: le.Address, file: f, line: le.Line})
	}
	return nil
}

// indexFiles adds every separator-delimited suffix of the unit's file
// names to m, so "/src/a/b.go" is found as "/b.go" and "/a/b.go".
func (cu *compileUnit) indexFiles(m map[string][]*fileInfo) {
	for _, f := range cu.files {
		pos := len(f.name)
		for {
			pos = strings.LastIndex(f.name[:pos], string(filepath.Separator))
			if pos == -1 {
				break
			}
			suffix := f.name[pos:]
			m[suffix] = append(m[suffix], f)
		}
	}
}

func (cu *compileUnit) loadFuncs(d *dwarf.Data, r *dwarf.Reader) error {
	depth := 0
	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}

		switch e.Tag {
		case 0:
			if depth == 0 {
				return nil
			}
			depth--
		case dwarf.TagSubprogram:
			if f := newFunc(d, e); f != nil {
				cu.funcs = append(cu.funcs, f)
			}
			if e.Children {
				r.SkipChildren()
			}
		default:
			if e.Children {
				depth++
			}
		}
	}
}
