package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"

	"github.com/p-arndt/sandpipe/protocol"
)

var errNoPlatform = errors.New("no side channel configured")

// Platform is the side channel as seen by handler code. *sidechannel.Client
// satisfies it.
type Platform interface {
	Authenticate(ctx context.Context, userToken string) (*protocol.Identity, error)
	Log(ctx context.Context, entry protocol.LogEntry) error
	ExecutionConfig(ctx context.Context) (*protocol.WorkerGrant, error)
	Data(ctx context.Context, op string, req protocol.DataRequest) (*protocol.DataResponse, error)
}

// prelude holds the helpers that are easier to express in JavaScript:
// shaping request objects and normalizing whatever a handler returned.
const prelude = `(function () {
  function toBuf(x) {
    if (x instanceof ArrayBuffer) return x;
    if (ArrayBuffer.isView(x)) return x.buffer.slice(x.byteOffset, x.byteOffset + x.byteLength);
    return null;
  }
  function piece(x) {
    var b = toBuf(x);
    if (b !== null) return b;
    return typeof x === "string" ? x : JSON.stringify(x);
  }
  function withType(headers, type) {
    if (!headers["content-type"]) headers["content-type"] = type;
  }
  return {
    request: function (r) {
      r.text = function () { return r.body; };
      r.json = function () { return JSON.parse(r.body); };
      return r;
    },
    task: function (name, payload) {
      return { name: name, payload: payload === "" ? undefined : JSON.parse(payload) };
    },
    settle: function (v, ok, fail) {
      Promise.resolve(v).then(ok, fail);
    },
    normalize: function (res) {
      if (res === undefined || res === null) return { status: 204, headers: {}, body: null, chunks: null };
      if (typeof res === "string") {
        return { status: 200, headers: { "content-type": "text/plain; charset=utf-8" }, body: res, chunks: null };
      }
      var shaped = typeof res === "object" && !Array.isArray(res) && toBuf(res) === null &&
        ("status" in res || "body" in res || "headers" in res);
      if (!shaped) res = { body: res };
      var headers = {};
      var given = res.headers || {};
      for (var k in given) headers[k.toLowerCase()] = String(given[k]);
      var out = { status: res.status || 200, headers: headers, body: null, chunks: null };
      var body = res.body;
      if (body === undefined || body === null) return out;
      if (res.chunked && Array.isArray(body)) {
        out.chunks = body.map(piece);
        withType(headers, "application/octet-stream");
        return out;
      }
      var b = toBuf(body);
      if (b !== null) {
        out.body = b;
        withType(headers, "application/octet-stream");
      } else if (typeof body === "string") {
        out.body = body;
        withType(headers, "text/plain; charset=utf-8");
      } else {
        out.body = JSON.stringify(body);
        withType(headers, "application/json");
      }
      return out;
    }
  };
})()`

type ModuleOptions struct {
	Platform Platform
	Env      map[string]string
	Logger   *slog.Logger
}

// Module is a loaded CommonJS handler module. It exports handleRequest,
// handleTask or both.
type Module struct {
	loop     *loop
	root     string
	platform Platform
	env      map[string]string
	logger   *slog.Logger

	hasRequest bool
	hasTask    bool

	// loop goroutine only
	requestFn goja.Callable
	taskFn    goja.Callable
	helpers   struct {
		request, task, settle, normalize goja.Callable
		parse, stringify                 goja.Callable
	}
	cache map[string]*goja.Object
}

// LoadModule evaluates the module at path once. Failures are
// MODULE_LOAD_ERROR and are not worth retrying.
func LoadModule(path string, opts ModuleOptions) (*Module, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Module{
		root:     filepath.Dir(path),
		platform: opts.Platform,
		env:      opts.Env,
		logger:   logger,
		cache:    make(map[string]*goja.Object),
	}
	m.loop = newLoop(logger)

	err := m.loop.do(func(vm *goja.Runtime) error {
		if err := m.install(vm); err != nil {
			return err
		}
		exports, err := m.require(vm, path)
		if err != nil {
			return err
		}
		obj, ok := exports.(*goja.Object)
		if !ok {
			return errors.New("module exports are not an object")
		}
		m.requestFn, m.hasRequest = goja.AssertFunction(obj.Get("handleRequest"))
		m.taskFn, m.hasTask = goja.AssertFunction(obj.Get("handleTask"))
		if !m.hasRequest && !m.hasTask {
			return errors.New("module exports neither handleRequest nor handleTask")
		}
		return nil
	})
	if err != nil {
		m.loop.stop()
		return nil, protocol.NewError(protocol.CodeModuleLoad, "load "+path, loadCause(err))
	}
	return m, nil
}

func loadCause(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &protocol.Error{Code: protocol.CodeException, Message: ex.Error()}
	}
	return err
}

func (m *Module) HasRequestHandler() bool { return m.hasRequest }
func (m *Module) HasTaskHandler() bool    { return m.hasTask }

func (m *Module) Close() { m.loop.stop() }

func (m *Module) install(vm *goja.Runtime) error {
	v, err := vm.RunString(prelude)
	if err != nil {
		return fmt.Errorf("prelude: %w", err)
	}
	obj := v.ToObject(vm)
	for name, dst := range map[string]*goja.Callable{
		"request":   &m.helpers.request,
		"task":      &m.helpers.task,
		"settle":    &m.helpers.settle,
		"normalize": &m.helpers.normalize,
	} {
		fn, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return fmt.Errorf("prelude: %s is not a function", name)
		}
		*dst = fn
	}
	jsonObj := vm.Get("JSON").ToObject(vm)
	m.helpers.parse, _ = goja.AssertFunction(jsonObj.Get("parse"))
	m.helpers.stringify, _ = goja.AssertFunction(jsonObj.Get("stringify"))

	console := vm.NewObject()
	console.Set("log", m.consoleFunc(vm, StreamStdout, slog.LevelInfo))
	console.Set("info", m.consoleFunc(vm, StreamStdout, slog.LevelInfo))
	console.Set("debug", m.consoleFunc(vm, StreamStdout, slog.LevelDebug))
	console.Set("warn", m.consoleFunc(vm, StreamStderr, slog.LevelWarn))
	console.Set("error", m.consoleFunc(vm, StreamStderr, slog.LevelError))
	vm.Set("console", console)

	process := vm.NewObject()
	env := vm.NewObject()
	for k, v := range m.env {
		env.Set(k, v)
	}
	process.Set("env", env)
	vm.Set("process", process)

	m.loop.installTimers(vm)
	vm.Set("platform", m.platformObject(vm))
	return nil
}

func (m *Module) consoleFunc(vm *goja.Runtime, stream string, level slog.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = m.describe(vm, a)
		}
		line := formatConsole(parts)
		if rc := m.loop.current; rc != nil {
			rc.console(stream, level, line)
		} else {
			m.logger.Log(context.Background(), level, line, "source", "console")
		}
		return goja.Undefined()
	}
}

func (m *Module) describe(vm *goja.Runtime, v goja.Value) string {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return v.String()
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(obj); isFn || obj.ClassName() == "Error" {
		return obj.String()
	}
	s, err := m.helpers.stringify(goja.Undefined(), obj)
	if err != nil || goja.IsUndefined(s) {
		return obj.String()
	}
	return s.String()
}

// require loads a CommonJS file. Only paths inside the module root can be
// required; there are no built-in modules.
func (m *Module) require(vm *goja.Runtime, file string) (goja.Value, error) {
	if mod, ok := m.cache[file]; ok {
		return mod.Get("exports"), nil
	}
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	module := vm.NewObject()
	module.Set("exports", vm.NewObject())

	if filepath.Ext(file) == ".json" {
		v, err := m.helpers.parse(goja.Undefined(), vm.ToValue(string(src)))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		module.Set("exports", v)
		m.cache[file] = module
		return v, nil
	}

	prg, err := goja.Compile(file, "(function (exports, require, module, __filename, __dirname) {"+string(src)+"\n})", false)
	if err != nil {
		return nil, err
	}
	wrapper, err := vm.RunProgram(prg)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, fmt.Errorf("%s: module wrapper is not callable", file)
	}

	dir := filepath.Dir(file)
	req := func(call goja.FunctionCall) goja.Value {
		target, err := m.resolve(dir, call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		exports, err := m.require(vm, target)
		if err != nil {
			rethrow(vm, err)
		}
		return exports
	}

	// cached before running so require cycles see partial exports
	m.cache[file] = module
	_, err = fn(goja.Undefined(), module.Get("exports"), vm.ToValue(req), module, vm.ToValue(file), vm.ToValue(dir))
	if err != nil {
		delete(m.cache, file)
		return nil, err
	}
	return module.Get("exports"), nil
}

func (m *Module) resolve(dir, spec string) (string, error) {
	if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") && !filepath.IsAbs(spec) {
		return "", fmt.Errorf("cannot find module %q: only relative requires are supported", spec)
	}
	base := spec
	if !filepath.IsAbs(spec) {
		base = filepath.Join(dir, spec)
	}
	if rel, err := filepath.Rel(m.root, base); err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("cannot find module %q: outside the application directory", spec)
	}
	for _, candidate := range []string{base, base + ".js", base + ".json", filepath.Join(base, "index.js")} {
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("cannot find module %q", spec)
}

// Incoming is a request unit rebuilt from the wire.
type Incoming struct {
	Request  *http.Request
	Body     []byte
	Identity *protocol.Identity
	Internal bool
}

// HandleRequest runs handleRequest for one unit and waits for its result,
// including any promise it returned.
func (m *Module) HandleRequest(rc *RequestContext, in Incoming) (*protocol.HandlerResult, *protocol.Error) {
	if !m.hasRequest {
		return nil, protocol.NewError(protocol.CodeDispatch, "module does not export handleRequest", nil)
	}
	return m.invoke(rc, m.requestFn, func(vm *goja.Runtime) ([]goja.Value, error) {
		arg, err := m.requestValue(vm, rc.ID, in)
		return []goja.Value{arg}, err
	}, m.toResult)
}

// HandleTask runs handleTask. Tasks produce no payload.
func (m *Module) HandleTask(rc *RequestContext, task protocol.Task) *protocol.Error {
	if !m.hasTask {
		return protocol.NewError(protocol.CodeDispatch, "module does not export handleTask", nil)
	}
	_, perr := m.invoke(rc, m.taskFn, func(vm *goja.Runtime) ([]goja.Value, error) {
		arg, err := m.helpers.task(goja.Undefined(), vm.ToValue(task.Name), vm.ToValue(string(task.Payload)))
		if err != nil {
			return nil, protocol.NewError(protocol.CodeDispatch, "invalid task payload", loadCause(err))
		}
		return []goja.Value{arg}, nil
	}, func(*goja.Runtime, goja.Value) (*protocol.HandlerResult, error) { return nil, nil })
	return perr
}

type outcome struct {
	res *protocol.HandlerResult
	err *protocol.Error
}

func (m *Module) invoke(
	rc *RequestContext,
	fn goja.Callable,
	args func(vm *goja.Runtime) ([]goja.Value, error),
	convert func(vm *goja.Runtime, v goja.Value) (*protocol.HandlerResult, error),
) (*protocol.HandlerResult, *protocol.Error) {
	done := make(chan outcome, 1)
	finish := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}

	posted := m.loop.post(rc, func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				finish(outcome{err: protocol.NewError(protocol.CodeDispatch, fmt.Sprintf("handler panicked: %v", r), nil)})
				panic(r)
			}
		}()

		argv, err := args(vm)
		if err != nil {
			finish(outcome{err: protocol.AsError(err, protocol.CodeDispatch)})
			return
		}
		ret, err := fn(goja.Undefined(), argv...)
		if err != nil {
			finish(outcome{err: callError(vm, err)})
			return
		}

		ok := vm.ToValue(func(call goja.FunctionCall) goja.Value {
			res, err := convert(vm, call.Argument(0))
			if err != nil {
				finish(outcome{err: callError(vm, err)})
			} else {
				finish(outcome{res: res})
			}
			return goja.Undefined()
		})
		fail := vm.ToValue(func(call goja.FunctionCall) goja.Value {
			finish(outcome{err: thrownError(vm, call.Argument(0))})
			return goja.Undefined()
		})
		if _, err := m.helpers.settle(goja.Undefined(), ret, ok, fail); err != nil {
			finish(outcome{err: callError(vm, err)})
		}
	})
	if !posted {
		return nil, protocol.NewError(protocol.CodeShutdown, "daemon is stopping", nil)
	}

	select {
	case o := <-done:
		return o.res, o.err
	case <-rc.Context().Done():
		return nil, protocol.NewError(protocol.CodeShutdown, "unit cancelled", rc.Context().Err())
	case <-m.loop.stopped:
		return nil, protocol.NewError(protocol.CodeShutdown, "daemon is stopping", nil)
	}
}

func (m *Module) requestValue(vm *goja.Runtime, id string, in Incoming) (goja.Value, error) {
	r := in.Request
	obj := vm.NewObject()
	obj.Set("id", id)
	obj.Set("method", r.Method)
	obj.Set("url", r.URL.String())
	obj.Set("path", r.URL.Path)
	obj.Set("internal", in.Internal)

	query := vm.NewObject()
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query.Set(k, vs[0])
		}
	}
	obj.Set("query", query)

	headers := vm.NewObject()
	for k, vs := range r.Header {
		headers.Set(strings.ToLower(k), strings.Join(vs, ", "))
	}
	obj.Set("headers", headers)
	obj.Set("body", string(in.Body))

	if in.Identity != nil {
		ident := vm.NewObject()
		ident.Set("subject", in.Identity.Subject)
		ident.Set("scopes", in.Identity.Scopes)
		obj.Set("identity", ident)
	} else {
		obj.Set("identity", goja.Null())
	}
	return m.helpers.request(goja.Undefined(), obj)
}

func (m *Module) toResult(vm *goja.Runtime, v goja.Value) (*protocol.HandlerResult, error) {
	nv, err := m.helpers.normalize(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	obj := nv.ToObject(vm)
	res := &protocol.HandlerResult{
		Status: int(obj.Get("status").ToInteger()),
		Header: http.Header{},
	}
	if h, ok := obj.Get("headers").Export().(map[string]interface{}); ok {
		for k, val := range h {
			res.Header.Set(k, fmt.Sprint(val))
		}
	}
	if chunks := obj.Get("chunks"); !isNullish(chunks) {
		res.Chunked = true
		list, _ := chunks.Export().([]interface{})
		for _, c := range list {
			res.Chunks = append(res.Chunks, pieceBytes(c))
		}
		return res, nil
	}
	if body := obj.Get("body"); !isNullish(body) {
		res.Body = pieceBytes(body.Export())
	}
	return res, nil
}

func pieceBytes(v interface{}) []byte {
	switch b := v.(type) {
	case goja.ArrayBuffer:
		return append([]byte(nil), b.Bytes()...)
	case string:
		return []byte(b)
	default:
		return []byte(fmt.Sprint(b))
	}
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

// thrownError maps a thrown or rejected value. Objects carrying a string
// code are domain errors and keep it; anything else is an unknown error
// with the exception as its cause.
func thrownError(vm *goja.Runtime, v goja.Value) *protocol.Error {
	if obj, ok := v.(*goja.Object); ok {
		if code := obj.Get("code"); !isNullish(code) && code.String() != "" {
			msg := ""
			if m := obj.Get("message"); !isNullish(m) {
				msg = m.String()
			}
			return &protocol.Error{Code: code.String(), Message: msg}
		}
	}
	desc := "undefined"
	if v != nil {
		desc = v.String()
	}
	return protocol.NewError(protocol.CodeUnknown, "handler threw an exception",
		&protocol.Error{Code: protocol.CodeException, Message: desc})
}

func callError(vm *goja.Runtime, err error) *protocol.Error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return thrownError(vm, ex.Value())
	}
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe
	}
	return protocol.NewError(protocol.CodeUnknown, "handler failed",
		&protocol.Error{Code: protocol.CodeException, Message: err.Error()})
}
