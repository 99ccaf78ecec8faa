package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"
)

var errLoopStopped = errors.New("event loop stopped")

type job struct {
	rc *RequestContext
	fn func(vm *goja.Runtime)
}

// loop owns the JavaScript runtime. Every touch of the VM happens on the
// loop goroutine; other goroutines hand it work through post. Each job
// carries the request it runs on behalf of, so async continuations keep
// logging to the request that started them.
type loop struct {
	vm     *goja.Runtime
	logger *slog.Logger

	jobs     chan job
	stopped  chan struct{}
	stopOnce sync.Once

	// loop goroutine only
	current *RequestContext
	timers  map[int64]*time.Timer
	timerID int64
}

func newLoop(logger *slog.Logger) *loop {
	l := &loop{
		vm:      goja.New(),
		logger:  logger,
		jobs:    make(chan job, 256),
		stopped: make(chan struct{}),
		timers:  make(map[int64]*time.Timer),
	}
	l.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	go l.run()
	return l
}

func (l *loop) run() {
	for {
		select {
		case j := <-l.jobs:
			l.exec(j)
		case <-l.stopped:
			return
		}
	}
}

func (l *loop) exec(j job) {
	defer func() {
		l.current = nil
		if r := recover(); r != nil {
			l.logger.Error("event loop job panicked", "panic", fmt.Sprint(r))
		}
	}()
	l.current = j.rc
	j.fn(l.vm)
}

// post queues fn without waiting for it. It reports false once the loop
// has stopped.
func (l *loop) post(rc *RequestContext, fn func(vm *goja.Runtime)) bool {
	select {
	case l.jobs <- job{rc: rc, fn: fn}:
		return true
	case <-l.stopped:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (l *loop) do(fn func(vm *goja.Runtime) error) error {
	errc := make(chan error, 1)
	ok := l.post(nil, func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("panic: %v", r)
			}
		}()
		errc <- fn(vm)
	})
	if !ok {
		return errLoopStopped
	}
	select {
	case err := <-errc:
		return err
	case <-l.stopped:
		return errLoopStopped
	}
}

func (l *loop) stop() {
	l.stopOnce.Do(func() {
		close(l.stopped)
		l.vm.Interrupt(errLoopStopped)
	})
}

// setTimeout and clearTimeout for handler code.
func (l *loop) installTimers(vm *goja.Runtime) {
	vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout: callback is not a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = call.Arguments[2:]
		}

		l.timerID++
		id := l.timerID
		rc := l.current
		l.timers[id] = time.AfterFunc(delay, func() {
			l.post(rc, func(vm *goja.Runtime) {
				if _, live := l.timers[id]; !live {
					return
				}
				delete(l.timers, id)
				if _, err := fn(goja.Undefined(), args...); err != nil {
					l.logger.Warn("timer callback failed", "error", err)
				}
			})
		})
		return vm.ToValue(id)
	})
	vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		if t, ok := l.timers[id]; ok {
			t.Stop()
			delete(l.timers, id)
		}
		return goja.Undefined()
	})
}
