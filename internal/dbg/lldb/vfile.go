package lldb

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
)

// vFile reads a file on the stub's side through vFile packets. It
// implements io.ReaderAt so debug/elf can parse the inferior's image.
type vFile struct {
	c  *conn
	fd int
}

const maxPread = 0x4000

func openFile(c *conn, filename string) (*vFile, error) {
	encFilename := hex.EncodeToString([]byte(filename))
	resp, err := c.exec(fmt.Sprintf("vFile:open:%s,0,0", encFilename))
	if err != nil {
		return nil, err
	}
	fd, err := parseFileResp(resp, nil)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filename, err)
	}
	return &vFile{c: c, fd: fd}, nil
}

func (f *vFile) close() error {
	_, err := f.c.exec(fmt.Sprintf("vFile:close:%x", f.fd))
	return err
}

func (f *vFile) ReadAt(p []byte, off int64) (n int, err error) {
	for n < len(p) {
		size := len(p) - n
		if size > maxPread {
			size = maxPread
		}
		resp, err := f.c.exec(fmt.Sprintf("vFile:pread:%x,%x,%x", f.fd, size, off+int64(n)))
		if err != nil {
			return n, err
		}
		m, err := parseFileResp(resp, p[n:])
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, fmt.Errorf("short read at offset %d", off+int64(n))
		}
		n += m
	}
	return n, nil
}

// parseFileResp decodes a File-I/O reply, F<result>[,<errno>][;<data>],
// copying any attachment into p.
func parseFileResp(resp []byte, p []byte) (int, error) {
	if len(resp) < 2 || resp[0] != 'F' {
		return 0, fmt.Errorf("unexpected file response: %s", resp)
	}
	head, data, hasData := bytes.Cut(resp[1:], []byte{';'})
	result, errno, _ := bytes.Cut(head, []byte{','})
	n, err := strconv.ParseInt(string(result), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected file response: %s", resp)
	}
	if n < 0 {
		e, _ := strconv.ParseInt(string(errno), 16, 64)
		return 0, fmt.Errorf("file operation failed (errno %d)", e)
	}
	if hasData {
		if len(data) != int(n) {
			return 0, fmt.Errorf("unexpected file len: %s", resp)
		}
		copy(p, data)
	}
	return int(n), nil
}
