package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/dbgapi/internal/dbg"
	"gni.dev/dbgapi/internal/dbg/api"
	"gni.dev/dbgapi/internal/dbg/fake"
	"gni.dev/dbgapi/internal/dbg/plugin"
	"gni.dev/dbgapi/internal/dbg/server"
)

type fixture struct {
	host       *fake.Host
	dispatcher *server.Dispatcher
	server     *server.Server
	client     *Client
	path       string
}

func newFixture(t *testing.T, host dbg.Adaptor) *fixture {
	t.Helper()
	f := &fixture{path: filepath.Join(t.TempDir(), "dbgapi.sock")}
	if fh, ok := host.(*fake.Host); ok {
		f.host = fh
	}

	r, err := plugin.Builtin(host)
	require.NoError(t, err)
	f.dispatcher = server.NewDispatcher(host, r, testr.New(t))
	f.server = server.NewServer(server.Config{Address: f.path}, f.dispatcher, testr.New(t))
	require.NoError(t, f.server.Start(context.Background()))
	t.Cleanup(func() { f.server.Stop() })

	f.client = New(Options{Address: f.path, DialTimeout: time.Second}, testr.New(t))
	require.NoError(t, f.client.Connect(context.Background()))
	t.Cleanup(func() { f.client.Close() })
	return f
}

// The server answers a request the same way whether it arrives through the
// dispatcher directly or over the socket.
func TestClientMatchesDispatcher(t *testing.T) {
	f := newFixture(t, fake.NewHost())
	ctx := context.Background()
	addr := uint64(fake.TextAddress)

	reqs := []*api.Request{
		api.NewVersion(),
		api.NewState(dbg.Context{}),
		api.NewListTargets(),
		api.NewReadRegisters(dbg.Context{}, "rip", "rsp"),
		api.NewReadMemory(fake.MemoryAddress, fake.MemoryLength),
		api.NewReadStack(32),
		api.NewExecuteCommand("version"),
		api.NewDisassemble(&addr, 16),
		api.NewBreakpoints(dbg.Context{}),
		api.NewNull(),
		api.NewListRequests(),
		api.NewReadMemory(fake.MemoryAddress, 0),
		{Type: api.TypeRequest, Request: "xxx"},
	}
	for i, req := range reqs {
		want := f.dispatcher.Dispatch(ctx, req)
		got, err := f.client.SendRequest(ctx, req)
		require.NoError(t, err, "test #%d", i)
		assert.Equal(t, want.Status, got.Status, "test #%d", i)
		assert.Equal(t, want.ErrorCode, got.ErrorCode, "test #%d", i)
		assert.JSONEq(t, string(orEmpty(want.Data)), string(orEmpty(got.Data)), "test #%d", i)
	}
}

func orEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func TestClientTypedCalls(t *testing.T) {
	f := newFixture(t, fake.NewHost())
	ctx := context.Background()
	c := f.client

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.Version, v.APIVersion)
	assert.Equal(t, fake.HostVersion, v.HostVersion)

	st, err := c.State(ctx, dbg.Context{})
	require.NoError(t, err)
	assert.Equal(t, dbg.StateStopped, st)

	targets, err := c.Targets(ctx)
	require.NoError(t, err)
	assert.Equal(t, fake.Targets, targets)

	regs, err := c.Registers(ctx, dbg.Context{}, "rsp")
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"rsp": fake.Registers["rsp"]}, regs)

	mem, err := c.ReadMemory(ctx, fake.MemoryAddress+8, 8)
	require.NoError(t, err)
	assert.Equal(t, fake.Memory[8:16], mem)

	stack, err := c.ReadStack(ctx, 16)
	require.NoError(t, err)
	assert.Equal(t, fake.Stack[:16], stack)

	out, err := c.ExecuteCommand(ctx, "reg read")
	require.NoError(t, err)
	assert.Equal(t, fake.CommandOutput["reg read"], out)

	ins, err := c.Disassemble(ctx, nil, 4)
	require.NoError(t, err)
	assert.Equal(t, fake.Disassembly[:4], ins)

	bps, err := c.Breakpoints(ctx, dbg.Context{})
	require.NoError(t, err)
	assert.Equal(t, fake.Breakpoints, bps)

	infos, err := c.ListRequests(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, infos)
}

func TestClientErrorResponse(t *testing.T) {
	f := newFixture(t, fake.NewHost())

	_, err := f.client.State(context.Background(), dbg.Context{TargetID: intPtr(7)})
	var e *api.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, api.CodeInvalidTarget, e.Code)

	// The connection survives error responses.
	_, err = f.client.Version(context.Background())
	assert.NoError(t, err)
}

func intPtr(v int) *int { return &v }

func TestClientWait(t *testing.T) {
	f := newFixture(t, fake.NewHost())
	ctx := context.Background()

	_, err := f.client.Wait(ctx, 200*time.Millisecond)
	assert.Equal(t, api.CodeTimedOut, api.CodeOf(err))

	go func() {
		time.Sleep(100 * time.Millisecond)
		f.host.SetState(dbg.StateExited)
	}()
	st, err := f.client.Wait(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, dbg.StateExited, st)
}

func TestClientConcurrentWaiters(t *testing.T) {
	f := newFixture(t, fake.NewHost())
	other := New(Options{Address: f.path}, testr.New(t))
	require.NoError(t, other.Connect(context.Background()))
	defer other.Close()

	var wg sync.WaitGroup
	states := make([]dbg.State, 2)
	errs := make([]error, 2)
	for i, c := range []*Client{f.client, other} {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			states[i], errs[i] = c.Wait(context.Background(), 10*time.Second)
		}()
	}
	time.Sleep(200 * time.Millisecond)
	f.host.SetState(dbg.StateRunning)
	wg.Wait()

	for i := range states {
		assert.NoError(t, errs[i], "client #%d", i)
		assert.Equal(t, dbg.StateRunning, states[i], "client #%d", i)
	}
}

func TestClientContextCancel(t *testing.T) {
	f := newFixture(t, fake.NewHost())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := f.client.Wait(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A cancelled exchange drops the connection.
	_, err = f.client.Version(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, f.client.Connect(context.Background()))
	_, err = f.client.Version(context.Background())
	assert.NoError(t, err)
}

func TestClientConnectionError(t *testing.T) {
	c := New(Options{Address: filepath.Join(t.TempDir(), "missing.sock"), DialTimeout: 100 * time.Millisecond}, testr.New(t))

	err := c.Connect(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "connect", ce.Op)
	assert.Contains(t, ce.Error(), "missing.sock")

	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr))

	_, err = c.Version(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientConnectRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.sock")
	host := fake.NewHost()
	r, err := plugin.Builtin(host)
	require.NoError(t, err)
	srv := server.NewServer(server.Config{Address: path}, server.NewDispatcher(host, r, testr.New(t)), testr.New(t))
	defer srv.Stop()

	go func() {
		time.Sleep(200 * time.Millisecond)
		srv.Start(context.Background())
	}()

	c := New(Options{Address: path, DialTimeout: 5 * time.Second}, testr.New(t))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	_, err = c.Version(context.Background())
	assert.NoError(t, err)
}

func TestClientServerStopped(t *testing.T) {
	f := newFixture(t, fake.NewHost())
	require.NoError(t, f.server.Stop())

	// The first exchange may still be written into the socket buffer, so
	// the failure shows up on send or on receive.
	_, err := f.client.Version(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, []string{"send", "receive"}, ce.Op)
	assert.Equal(t, "unix", ce.Network)

	var apiErr *api.Error
	assert.False(t, errors.As(err, &apiErr))

	_, err = f.client.Version(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}
