package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/dbgapi/internal/dbg"
)

func intp(v int) *int { return &v }

func floatp(v float64) *float64 { return &v }

func u64p(v uint64) *uint64 { return &v }

var roundTripRequests = []*Request{
	NewVersion(),
	NewState(dbg.Context{}),
	NewState(dbg.Context{TargetID: intp(0)}),
	NewListTargets(),
	NewReadRegisters(dbg.Context{TargetID: intp(0), ThreadID: intp(2)}, "rip", "rsp"),
	NewReadMemory(0x1000, 0x40),
	NewReadStack(0x40),
	NewExecuteCommand("reg read"),
	NewDisassemble(nil, 16),
	NewDisassemble(u64p(0x401000), 4),
	NewWait(2 * time.Second),
	NewBreakpoints(dbg.Context{}),
	NewNull(),
	NewListRequests(),
}

func TestRequestRoundTrip(t *testing.T) {
	for i, req := range roundTripRequests {
		b, err := Encode(req)
		require.NoError(t, err, "test #%d", i)

		got, err := DecodeRequest(b)
		require.NoError(t, err, "test #%d", i)
		assert.Equal(t, req.Request, got.Request, "test #%d", i)
		if len(req.Data) == 0 {
			assert.Empty(t, got.Data, "test #%d", i)
		} else {
			assert.JSONEq(t, string(req.Data), string(got.Data), "test #%d", i)
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	responses := []*Response{
		NewSuccess(&VersionResult{APIVersion: Version, HostVersion: "lldb-something"}),
		NewSuccess(&MemoryResult{Memory: []byte{0, 1, 2, 0xff}}),
		NewSuccess(nil),
		NewError(Errorf(CodeHostBusy, "target is running")),
	}
	for i, resp := range responses {
		b, err := Encode(resp)
		require.NoError(t, err, "test #%d", i)

		got, err := DecodeResponse(b)
		require.NoError(t, err, "test #%d", i)
		assert.Equal(t, resp.Status, got.Status, "test #%d", i)
		assert.Equal(t, resp.ErrorCode, got.ErrorCode, "test #%d", i)
		assert.Equal(t, resp.Message, got.Message, "test #%d", i)
		if resp.IsSuccess() {
			assert.JSONEq(t, string(resp.Data), string(got.Data), "test #%d", i)
		}
	}
}

func TestMemoryIsBase64(t *testing.T) {
	b, err := Encode(NewSuccess(&MemoryResult{Memory: []byte("AAAA")}))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"memory":"QUFBQQ=="`)

	resp, err := DecodeResponse(b)
	require.NoError(t, err)
	var res MemoryResult
	require.NoError(t, resp.DecodeData(&res))
	assert.Equal(t, []byte("AAAA"), res.Memory)
}

var badRequests = []string{
	"xxx",
	"{",
	`[]`,
	`{"type":"response","request":"version"}`,
	`{"type":"request"}`,
	`{"type":"request","request":""}`,
}

func TestDecodeRequestInvalid(t *testing.T) {
	for i, in := range badRequests {
		_, err := DecodeRequest([]byte(in))
		require.Error(t, err, "test #%d", i)
		assert.Equal(t, CodeInvalidMessage, CodeOf(err), "test #%d", i)
	}
}

func TestDecodeRequestWithoutData(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"request","request":"version"}`))
	require.NoError(t, err)

	var p StateParams
	assert.NoError(t, req.DecodeData(&p))
	assert.Nil(t, p.TargetID)
}

func TestDecodeResponseInvalid(t *testing.T) {
	for _, in := range []string{"", "xxx", `{"type":"request"}`, `{"type":"response","status":"maybe"}`} {
		_, err := DecodeResponse([]byte(in))
		assert.Equal(t, CodeInvalidMessage, CodeOf(err), "input %q", in)
	}
}

func TestErrorResponseShape(t *testing.T) {
	b, err := Encode(NewError(Errorf(CodeUnknownRequest, "no such request %q", "xxx")))
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "response", m["type"])
	assert.Equal(t, "error", m["status"])
	assert.Equal(t, float64(0x1002), m["error_code"])
	assert.Equal(t, `no such request "xxx"`, m["message"])
	assert.NotContains(t, m, "data")
}

func TestErrorResponseEmptyMessage(t *testing.T) {
	b, err := Encode(NewError(&Error{Code: CodeHostBusy}))
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "Debugger host busy", m["message"])

	b, err = Encode(NewSuccess(nil))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "message")
}

func TestErrorCodes(t *testing.T) {
	codes := map[ErrorCode]int{
		CodeGeneric:          0x1000,
		CodeInvalidMessage:   0x1001,
		CodeUnknownRequest:   0x1002,
		CodeHostNotSupported: 0x1003,
		CodeInvalidField:     0x1004,
		CodeInvalidTarget:    0x1005,
		CodeHostBusy:         0x1006,
		CodeTimedOut:         0x1007,
	}
	for code, want := range codes {
		assert.Equal(t, want, int(code))
		assert.NotContains(t, code.String(), "Error 0x")
	}
	assert.Equal(t, "Error 0x2000", ErrorCode(0x2000).String())
}

func TestErrorIs(t *testing.T) {
	err := error(Errorf(CodeTimedOut, "nothing happened"))
	assert.True(t, errors.Is(err, &Error{Code: CodeTimedOut}))
	assert.False(t, errors.Is(err, &Error{Code: CodeHostBusy}))
	assert.Equal(t, CodeGeneric, CodeOf(errors.New("plain")))
}

func TestAddressDecoding(t *testing.T) {
	var tests = []struct {
		input    string
		want     uint64
		hasError bool
	}{
		{input: `4096`, want: 0x1000},
		{input: `"0x1000"`, want: 0x1000},
		{input: `"4096"`, want: 0x1000},
		{input: `"rip"`, hasError: true},
		{input: `-1`, hasError: true},
		{input: `true`, hasError: true},
	}
	for i, test := range tests {
		var a Address
		err := json.Unmarshal([]byte(test.input), &a)
		if test.hasError {
			assert.Error(t, err, "test #%d", i)
			continue
		}
		assert.NoError(t, err, "test #%d", i)
		assert.Equal(t, test.want, uint64(a), "test #%d", i)
	}
}

func TestValidate(t *testing.T) {
	var tests = []struct {
		params Validator
		ok     bool
	}{
		{&ReadMemoryParams{}, false},
		{&ReadMemoryParams{Address: addr(0x1000)}, false},
		{&ReadMemoryParams{Address: addr(0x1000), Length: intp(0)}, false},
		{&ReadMemoryParams{Address: addr(0x1000), Length: intp(0x40)}, true},
		{&ReadStackParams{}, false},
		{&ReadStackParams{Length: intp(MaxReadLength + 1)}, false},
		{&ReadStackParams{Length: intp(8)}, true},
		{&ExecuteCommandParams{}, false},
		{&DisassembleParams{}, false},
		{&DisassembleParams{Count: intp(16)}, true},
		{&WaitParams{}, false},
		{&WaitParams{Timeout: floatp(0)}, false},
		{&WaitParams{Timeout: floatp(-1)}, false},
		{&WaitParams{Timeout: floatp(1e-10)}, false},
		{&WaitParams{Timeout: floatp(1e12)}, false},
		{&WaitParams{Timeout: floatp(MaxWaitTimeout.Seconds() + 1)}, false},
		{&WaitParams{Timeout: floatp(1e-6)}, true},
		{&WaitParams{Timeout: floatp(MaxWaitTimeout.Seconds())}, true},
	}
	for i, test := range tests {
		err := test.params.Validate()
		if test.ok {
			assert.NoError(t, err, "test #%d", i)
		} else {
			assert.Equal(t, CodeInvalidField, CodeOf(err), "test #%d", i)
		}
	}
}

func TestReadMessage(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("{\"a\":1}\n\n  \r\n{\"b\":2}\r\nxxx"), 16)

	msg, err := ReadMessage(r, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(msg))

	msg, err = ReadMessage(r, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(msg))

	msg, err = ReadMessage(r, 0)
	require.NoError(t, err)
	assert.Equal(t, "xxx", string(msg))

	_, err = ReadMessage(r, 0)
	assert.Equal(t, io.EOF, err)
}

func TestReadMessageTooLarge(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader(strings.Repeat("x", 100)+"\n"), 16)
	_, err := ReadMessage(r, 64)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestWriteMessage(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, WriteMessage(&sb, NewNull()))
	assert.Equal(t, "{\"type\":\"request\",\"request\":\"null\"}\n", sb.String())
}
