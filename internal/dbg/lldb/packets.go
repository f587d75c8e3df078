package lldb

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"gni.dev/dbgapi/internal/dbg"
)

// stopReply is a decoded T/S/W/X packet.
type stopReply struct {
	state  dbg.State
	signal int
	thread int
	status int
}

func parseStopReply(resp []byte) (stopReply, error) {
	s := string(resp)
	if len(s) < 3 {
		return stopReply{}, fmt.Errorf("short stop reply %q", s)
	}
	code, err := strconv.ParseUint(s[1:3], 16, 8)
	if err != nil {
		return stopReply{}, fmt.Errorf("stop reply %q: %w", s, err)
	}
	switch s[0] {
	case 'S':
		return stopReply{state: dbg.StateStopped, signal: int(code)}, nil
	case 'T':
		r := stopReply{state: dbg.StateStopped, signal: int(code)}
		kv := parseKeyValues(s[3:])
		if tid, ok := kv["thread"]; ok {
			// thread:p<pid>.<tid> in multiprocess mode
			if i := strings.IndexByte(tid, '.'); i != -1 {
				tid = tid[i+1:]
			}
			if v, err := strconv.ParseUint(tid, 16, 32); err == nil {
				r.thread = int(v)
			}
		}
		return r, nil
	case 'W':
		return stopReply{state: dbg.StateExited, status: int(code)}, nil
	case 'X':
		return stopReply{state: dbg.StateExited, signal: int(code)}, nil
	case 'E':
		return stopReply{}, fmt.Errorf("stub error %s", s)
	}
	return stopReply{}, fmt.Errorf("unexpected stop reply %q", s)
}

// parseKeyValues splits "k1:v1;k2:v2;" replies.
func parseKeyValues(s string) map[string]string {
	kv := make(map[string]string)
	for _, field := range strings.Split(s, ";") {
		if field == "" {
			continue
		}
		k, v, _ := strings.Cut(field, ":")
		kv[k] = v
	}
	return kv
}

// parseThreadList decodes one qfThreadInfo/qsThreadInfo reply. done is set
// on the terminating "l".
func parseThreadList(resp []byte) (tids []int, done bool, err error) {
	s := string(resp)
	if s == "l" {
		return nil, true, nil
	}
	if len(s) == 0 || s[0] != 'm' {
		return nil, false, fmt.Errorf("unexpected thread list %q", s)
	}
	for _, f := range strings.Split(s[1:], ",") {
		if i := strings.IndexByte(f, '.'); i != -1 {
			f = f[i+1:]
		}
		v, err := strconv.ParseUint(f, 16, 32)
		if err != nil {
			return nil, false, fmt.Errorf("thread id %q: %w", f, err)
		}
		tids = append(tids, int(v))
	}
	return tids, false, nil
}

type registerInfo struct {
	name    string
	offset  int
	size    int // bytes
	generic string
	set     string
}

func parseRegisterInfo(resp []byte) (registerInfo, error) {
	kv := parseKeyValues(string(resp))
	bits, err := strconv.Atoi(kv["bitsize"])
	if err != nil {
		return registerInfo{}, fmt.Errorf("register bitsize %q: %w", kv["bitsize"], err)
	}
	off, err := strconv.Atoi(kv["offset"])
	if err != nil {
		return registerInfo{}, fmt.Errorf("register offset %q: %w", kv["offset"], err)
	}
	if kv["name"] == "" {
		return registerInfo{}, fmt.Errorf("register without name: %q", resp)
	}
	return registerInfo{
		name:    kv["name"],
		offset:  off,
		size:    bits / 8,
		generic: kv["generic"],
		set:     kv["set"],
	}, nil
}

// decodeRegisters slices a 'g' reply using the stub's register layout.
// Registers wider than 64 bits are skipped.
func decodeRegisters(layout []registerInfo, resp []byte) (map[string]uint64, error) {
	raw, err := hex.DecodeString(string(resp))
	if err != nil {
		return nil, fmt.Errorf("register data: %w", err)
	}
	regs := make(map[string]uint64, len(layout))
	for _, r := range layout {
		if r.size == 0 || r.size > 8 || r.offset+r.size > len(raw) {
			continue
		}
		var buf [8]byte
		copy(buf[:], raw[r.offset:r.offset+r.size])
		regs[r.name] = binary.LittleEndian.Uint64(buf[:])
	}
	return regs, nil
}

func archFromTriple(triple string) string {
	switch {
	case strings.HasPrefix(triple, "x86_64"):
		return dbg.ArchAMD64
	case strings.HasPrefix(triple, "aarch64"), strings.HasPrefix(triple, "arm64"):
		return dbg.ArchARM64
	}
	return triple
}

func hexString(s string) string {
	b, err := hex.DecodeString(s)
	if err != nil {
		return s
	}
	return string(b)
}
