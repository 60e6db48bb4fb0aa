package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"frame-rpc/message"
	"frame-rpc/middleware"
)

// SyncHandler renders a response body directly. A returned error or a panic becomes an
// error response.
type SyncHandler func(conn, data json.RawMessage) (any, error)

// DoneFunc completes an asynchronous render. Only the first call counts.
type DoneFunc func(err error, value any)

// AsyncHandler renders in its own time and must call done exactly once.
type AsyncHandler func(conn, data json.RawMessage, done DoneFunc)

type renderMode int

const (
	modeSync renderMode = iota
	modeAsync
)

// Renderer is the application's render function together with its calling convention.
// Build one with Sync or Async; the convention is declared, never inferred.
type Renderer struct {
	mode  renderMode
	sync  SyncHandler
	async AsyncHandler
}

// Sync declares h as a synchronous render handler.
func Sync(h SyncHandler) Renderer {
	return Renderer{mode: modeSync, sync: h}
}

// Async declares h as an asynchronous render handler.
func Async(h AsyncHandler) Renderer {
	return Renderer{mode: modeAsync, async: h}
}

// PanicError is the failure reported when a render handler panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprint(e.Value)
}

// handlerFunc normalizes both calling conventions into one blocking HandlerFunc,
// so the middleware chain and the response path never see the difference.
func (r Renderer) handlerFunc(logger *zap.Logger) middleware.HandlerFunc {
	if r.mode == modeAsync {
		return func(ctx context.Context, req *message.Request) (any, error) {
			return renderAsync(ctx, r.async, req, logger)
		}
	}
	return func(ctx context.Context, req *message.Request) (any, error) {
		return renderSync(r.sync, req)
	}
}

func renderSync(h SyncHandler, req *message.Request) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			value, err = nil, &PanicError{Value: p}
		}
	}()
	return h(req.Conn, req.Data)
}

func renderAsync(ctx context.Context, h AsyncHandler, req *message.Request, logger *zap.Logger) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	ch := make(chan outcome, 1)
	var once sync.Once
	done := func(err error, value any) {
		first := false
		once.Do(func() {
			first = true
			ch <- outcome{value, err}
		})
		if !first {
			logger.Warn("render done called more than once", zap.String("id", req.ID))
		}
	}

	func() {
		defer func() {
			if p := recover(); p != nil {
				done(&PanicError{Value: p}, nil)
			}
		}()
		h(req.Conn, req.Data, done)
	}()

	select {
	case o := <-ch:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
