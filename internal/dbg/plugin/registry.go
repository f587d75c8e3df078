// Package plugin maps request names to the handlers that serve them.
//
// A Registry is populated once at startup, before the server accepts
// connections, and only read afterwards. Lookups therefore take no lock.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"gni.dev/dbgapi/internal/dbg"
	"gni.dev/dbgapi/internal/dbg/api"
)

var ErrDuplicateRequestName = errors.New("duplicate request name")

// HandlerFunc serves one decoded request against host. A nil result is sent
// as an empty data object.
type HandlerFunc func(ctx context.Context, host dbg.Adaptor, req *api.Request) (interface{}, error)

// NoParams is the parameter shape of requests that take no data.
type NoParams struct{}

// Entry binds a request name to its parameter shape, result shape and
// handler.
type Entry struct {
	Name     string
	Params   reflect.Type
	Result   reflect.Type
	Handler  HandlerFunc
	Disabled bool
}

// Info describes the entry for introspection.
func (e *Entry) Info() api.RequestInfo {
	return api.RequestInfo{
		Name:   e.Name,
		Params: fieldNames(e.Params),
		Result: fieldNames(e.Result),
	}
}

type Registry struct {
	entries map[string]*Entry
	order   []*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds e. It fails with ErrDuplicateRequestName when the name is
// already taken.
func (r *Registry) Register(e *Entry) error {
	if e.Name == "" || e.Handler == nil {
		return fmt.Errorf("incomplete registry entry %q", e.Name)
	}
	if _, ok := r.entries[e.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequestName, e.Name)
	}
	r.entries[e.Name] = e
	r.order = append(r.order, e)
	return nil
}

func (r *Registry) Lookup(name string) (*Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// All returns the entries in registration order.
func (r *Registry) All() []*Entry {
	out := make([]*Entry, len(r.order))
	copy(out, r.order)
	return out
}

// Register binds a typed handler to name. The request data is decoded into
// a new Req and validated before fn runs; both failures are reported with
// api.CodeInvalidField.
func Register[Req, Resp any](r *Registry, name string, fn func(ctx context.Context, host dbg.Adaptor, p *Req) (*Resp, error)) error {
	return r.Register(&Entry{
		Name:   name,
		Params: reflect.TypeOf((*Req)(nil)).Elem(),
		Result: reflect.TypeOf((*Resp)(nil)).Elem(),
		Handler: func(ctx context.Context, host dbg.Adaptor, req *api.Request) (interface{}, error) {
			p := new(Req)
			if err := req.DecodeData(p); err != nil {
				return nil, api.Errorf(api.CodeInvalidField, "invalid %s data: %v", name, err)
			}
			if v, ok := interface{}(p).(api.Validator); ok {
				if err := v.Validate(); err != nil {
					return nil, err
				}
			}
			res, err := fn(ctx, host, p)
			if err != nil || res == nil {
				return nil, err
			}
			return res, nil
		},
	})
}

// Unsupported registers name as known to the protocol but not available on
// this host. Every call fails with dbg.ErrNotSupported.
func Unsupported[Req, Resp any](r *Registry, name string) error {
	return r.Register(&Entry{
		Name:     name,
		Params:   reflect.TypeOf((*Req)(nil)).Elem(),
		Result:   reflect.TypeOf((*Resp)(nil)).Elem(),
		Disabled: true,
		Handler: func(context.Context, dbg.Adaptor, *api.Request) (interface{}, error) {
			return nil, fmt.Errorf("%s: %w", name, dbg.ErrNotSupported)
		},
	})
}

func fieldNames(t reflect.Type) []string {
	names := []string{}
	if t == nil {
		return names
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return names
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Tag.Get("json") == "" {
			names = append(names, fieldNames(f.Type)...)
			continue
		}
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		names = append(names, name)
	}
	return names
}
