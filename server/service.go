package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/iancoleman/strcase"

	"lua-bridge/message"
	"lua-bridge/middleware"
)

type methodType struct {
	name      string // wire name, snake_case
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// newService scans rcvr for methods of the form
//
//	func (t *T) MethodName(ctx context.Context, args *A, reply *R) error
//
// and exposes each one under its snake_case name, e.g. GetGlobals → get_globals.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("server: %s has no exported methods of the rpc form", svc.name)
	}
	return svc, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 4 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1) != contextType ||
			mt.In(2).Kind() != reflect.Ptr || mt.In(3).Kind() != reflect.Ptr {
			continue
		}
		name := strcase.ToSnake(m.Name)
		s.method[name] = &methodType{
			name:      name,
			method:    m,
			ArgType:   mt.In(2).Elem(),
			ReplyType: mt.In(3).Elem(),
		}
	}
}

func (s *service) call(ctx context.Context, m *methodType, argv, replyv reflect.Value) error {
	args := [4]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	results := m.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// handler adapts one method to the middleware handler shape. Absent or null params
// leave the argument at its zero value.
func (s *service) handler(m *methodType) middleware.HandlerFunc {
	return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
		argv := reflect.New(m.ArgType)
		if len(call.Params) > 0 && string(call.Params) != "null" {
			if err := json.Unmarshal(call.Params, argv.Interface()); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
			}
		}
		replyv := reflect.New(m.ReplyType)
		if err := s.call(ctx, m, argv, replyv); err != nil {
			return nil, err
		}
		return json.Marshal(replyv.Interface())
	}
}
