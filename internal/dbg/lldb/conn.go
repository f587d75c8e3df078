package lldb

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"
)

const maxRetransmits = 5

// conn speaks the gdb-remote packet layer: $payload#checksum framing,
// acknowledgements until no-ack mode is negotiated, escaping and run-length
// decoding.
type conn struct {
	remote io.ReadWriter
	br     *bufio.Reader
	ack    bool

	wmu sync.Mutex
}

func newConn(remote io.ReadWriter) *conn {
	return &conn{remote: remote, br: bufio.NewReader(remote)}
}

func (c *conn) handshake() error {
	c.ack = true

	if err := c.sendACK(true); err != nil {
		return err
	}
	if err := c.disableACK(); err != nil {
		return err
	}
	return nil
}

func (c *conn) exec(cmd string) ([]byte, error) {
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	return c.recv()
}

// execOK runs cmd and fails unless the stub answers OK.
func (c *conn) execOK(cmd string) error {
	resp, err := c.exec(cmd)
	if err != nil {
		return err
	}
	if string(resp) != "OK" {
		return packetError(cmd, resp)
	}
	return nil
}

func (c *conn) send(cmd string) error {
	payload := escape(cmd)
	p := fmt.Sprintf("$%s#%02x", payload, checksum(payload))

	for i := 0; i < maxRetransmits; i++ {
		if err := c.write([]byte(p)); err != nil {
			return err
		}

		if !c.ack {
			return nil
		}

		ok, err := c.recvACK()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("failed to send %s after %d attempts", cmd, maxRetransmits)
}

func (c *conn) recv() ([]byte, error) {
	for i := 0; i < maxRetransmits; i++ {
		res, err := c.br.ReadBytes('#')
		if err != nil {
			return nil, err
		}

		buf := make([]byte, 2)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return nil, err
		}

		start := bytes.IndexAny(res, "$%")
		if start == -1 {
			return nil, fmt.Errorf("malformed packet: %q", res)
		}
		if res[start] == '%' {
			continue // ignore async notifications
		}

		raw := res[start+1 : len(res)-1]
		sum, err := strconv.ParseUint(string(buf), 16, 8)
		if err != nil {
			return nil, err
		}
		sumOK := (uint8(sum) == checksum(string(raw)))

		if !c.ack {
			if sumOK {
				return decode(raw), nil
			}
			return nil, fmt.Errorf("checksum mismatch: %s", res)
		}

		if sumOK {
			if err := c.sendACK(true); err != nil {
				return nil, err
			}
			return decode(raw), nil
		}
		if err := c.sendACK(false); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to recv data after %d attempts", maxRetransmits)
}

// interrupt asks a running inferior to stop. The stop reply arrives on the
// pending continue.
func (c *conn) interrupt() error {
	return c.write([]byte{0x03})
}

func (c *conn) write(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.remote.Write(b)
	return err
}

func (c *conn) sendACK(ack bool) error {
	if ack {
		return c.write([]byte{'+'})
	}
	return c.write([]byte{'-'})
}

func (c *conn) recvACK() (bool, error) {
	b, err := c.br.ReadByte()
	if err != nil {
		return false, err
	}
	if b != '+' && b != '-' {
		return false, fmt.Errorf("invalid ack byte: %c", b)
	}
	return b == '+', nil
}

func (c *conn) disableACK() error {
	res, err := c.exec("QStartNoAckMode")
	c.ack = (string(res) != "OK")
	return err
}

func checksum(payload string) uint8 {
	var sum uint8
	for _, b := range []byte(payload) {
		sum += b
	}
	return sum
}

func escape(s string) string {
	if !needsEscape(s) {
		return s
	}
	var b bytes.Buffer
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '#', '$', '}', '*':
			b.WriteByte('}')
			b.WriteByte(s[i] ^ 0x20)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func needsEscape(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '#', '$', '}', '*':
			return true
		}
	}
	return false
}

// decode undoes '}' escaping and '*' run-length encoding in one pass.
func decode(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		switch b := raw[i]; {
		case b == '}' && i+1 < len(raw):
			i++
			out = append(out, raw[i]^0x20)
		case b == '*' && i+1 < len(raw) && len(out) > 0:
			i++
			last := out[len(out)-1]
			for n := int(raw[i]) - 29; n > 0; n-- {
				out = append(out, last)
			}
		default:
			out = append(out, b)
		}
	}
	return out
}

func packetError(cmd string, resp []byte) error {
	if len(resp) == 0 {
		return fmt.Errorf("%s: unsupported packet", cmd)
	}
	return fmt.Errorf("%s: unexpected reply %q", cmd, resp)
}
