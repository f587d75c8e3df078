package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-logr/logr"

	"gni.dev/dbgapi/internal/dbg"
	"gni.dev/dbgapi/internal/dbg/api"
	"gni.dev/dbgapi/internal/dbg/plugin"
)

// Dispatcher resolves requests through a registry and runs them against one
// debugger host. It is shared by every connection.
type Dispatcher struct {
	registry *plugin.Registry
	host     dbg.Adaptor
	log      logr.Logger
}

func NewDispatcher(host dbg.Adaptor, registry *plugin.Registry, log logr.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, host: host, log: log}
}

func (d *Dispatcher) Registry() *plugin.Registry {
	return d.registry
}

// Dispatch always returns exactly one response. Handler panics become
// CodeGeneric errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req *api.Request) (resp *api.Response) {
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			err := panicError(v, d.log.WithValues("request", req.Request))
			resp = api.NewError(api.Errorf(api.CodeGeneric, "internal error: %v", err))
		}
		d.log.V(1).Info("request served",
			"request", req.Request,
			"status", resp.Status,
			"code", int(resp.ErrorCode),
			"duration", time.Since(start))
	}()

	e, ok := d.registry.Lookup(req.Request)
	if !ok {
		return api.NewError(api.Errorf(api.CodeUnknownRequest, "unknown request %q", req.Request))
	}
	res, err := e.Handler(ctx, d.host, req)
	if err != nil {
		return api.NewError(ErrorFor(err))
	}
	return api.NewSuccess(res)
}

// DispatchMessage decodes one frame and dispatches it. Malformed frames
// produce CodeInvalidMessage responses.
func (d *Dispatcher) DispatchMessage(ctx context.Context, msg []byte) *api.Response {
	req, err := api.DecodeRequest(msg)
	if err != nil {
		d.log.V(1).Info("malformed request", "error", err)
		return api.NewError(ErrorFor(err))
	}
	return d.Dispatch(ctx, req)
}

// ErrorFor maps a handler or host error onto its protocol error.
func ErrorFor(err error) *api.Error {
	var e *api.Error
	if errors.As(err, &e) {
		return e
	}
	code := api.CodeGeneric
	switch {
	case errors.Is(err, dbg.ErrInvalidTarget):
		code = api.CodeInvalidTarget
	case errors.Is(err, dbg.ErrHostBusy):
		code = api.CodeHostBusy
	case errors.Is(err, dbg.ErrNotSupported):
		code = api.CodeHostNotSupported
	case errors.Is(err, dbg.ErrTimedOut):
		code = api.CodeTimedOut
	}
	return &api.Error{Code: code, Message: err.Error()}
}

func panicError(v interface{}, log logr.Logger) error {
	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("%v", v)
	}
	log.Error(err, "request handler panicked", "stack", string(debug.Stack()))
	return err
}
