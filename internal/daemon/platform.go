package daemon

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dop251/goja"

	"github.com/p-arndt/sandpipe/protocol"
)

// platformObject builds the `platform` global: kv access, execution config
// and log shipping over the side channel. Every call returns a promise
// that settles back on the loop.
func (m *Module) platformObject(vm *goja.Runtime) *goja.Object {
	kv := vm.NewObject()
	kv.Set("get", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		return m.async(vm, func(ctx context.Context) (json.RawMessage, error) {
			resp, err := m.platform.Data(ctx, protocol.DataGet, protocol.DataRequest{Key: key})
			if err != nil || !resp.Found {
				return nil, err
			}
			return resp.Value, nil
		})
	})
	kv.Set("set", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		raw, err := m.helpers.stringify(goja.Undefined(), call.Argument(1))
		if err != nil {
			rethrow(vm, err)
		}
		if isNullish(raw) {
			panic(vm.NewTypeError("platform.kv.set: value is not serializable"))
		}
		value := json.RawMessage(raw.String())
		return m.async(vm, func(ctx context.Context) (json.RawMessage, error) {
			_, err := m.platform.Data(ctx, protocol.DataSet, protocol.DataRequest{Key: key, Value: value})
			return nil, err
		})
	})
	kv.Set("delete", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		return m.async(vm, func(ctx context.Context) (json.RawMessage, error) {
			_, err := m.platform.Data(ctx, protocol.DataDelete, protocol.DataRequest{Key: key})
			return nil, err
		})
	})

	obj := vm.NewObject()
	obj.Set("kv", kv)
	obj.Set("config", func(call goja.FunctionCall) goja.Value {
		return m.async(vm, func(ctx context.Context) (json.RawMessage, error) {
			g, err := m.platform.ExecutionConfig(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(g)
		})
	})
	obj.Set("log", func(call goja.FunctionCall) goja.Value {
		entry := protocol.LogEntry{
			Level:   call.Argument(0).String(),
			Message: call.Argument(1).String(),
		}
		if attrs, ok := call.Argument(2).Export().(map[string]interface{}); ok {
			entry.Attrs = attrs
		}
		if rc := m.loop.current; rc != nil {
			entry.RequestID = rc.ID
		}
		return m.async(vm, func(ctx context.Context) (json.RawMessage, error) {
			return nil, m.platform.Log(ctx, entry)
		})
	})
	return obj
}

// async runs work off the loop and returns a promise for its JSON result.
// A nil result resolves to undefined.
func (m *Module) async(vm *goja.Runtime, work func(ctx context.Context) (json.RawMessage, error)) goja.Value {
	p, resolve, reject := vm.NewPromise()
	if m.platform == nil {
		reject(vm.NewGoError(errNoPlatform))
		return vm.ToValue(p)
	}

	rc := m.loop.current
	ctx := context.Background()
	if rc != nil {
		ctx = rc.Context()
	}
	go func() {
		raw, err := work(ctx)
		m.loop.post(rc, func(vm *goja.Runtime) {
			if err != nil {
				reject(vm.NewGoError(err))
				return
			}
			if len(raw) == 0 {
				resolve(goja.Undefined())
				return
			}
			v, perr := m.helpers.parse(goja.Undefined(), vm.ToValue(string(raw)))
			if perr != nil {
				reject(vm.NewGoError(errors.New("side channel returned invalid json")))
				return
			}
			resolve(v)
		})
	}()
	return vm.ToValue(p)
}

// rethrow raises err inside the running JavaScript call.
func rethrow(vm *goja.Runtime, err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex.Value())
	}
	panic(vm.NewGoError(err))
}
