package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"storage-rpc/message"
)

type methodType struct {
	method   reflect.Method
	ArgTypes []reflect.Type // positional arguments after the context
	hasReply bool           // (R, error) rather than just error
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType // wire name → method
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// NewService 创建 service 并扫描所有合法方法
//
// A method qualifies when it looks like
//
//	func (r *Recv) DbEnvGet(ctx context.Context, key string) (R, error)
//	func (r *Recv) QueueReset(ctx context.Context, name string) error
//
// and is exposed under its name with a lower-cased first letter ("dbEnvGet").
func NewService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.RegisterMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no methods with a handler signature", srv.name)
	}
	return srv, nil
}

// RegisterMethods 扫描 struct 的导出方法，过滤出符合签名的
func (s *service) RegisterMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		// receiver + ctx at least; variadic methods are not supported
		if mt.NumIn() < 2 || mt.In(1) != contextType || mt.IsVariadic() {
			continue
		}
		switch {
		case mt.NumOut() == 1 && mt.Out(0) == errorType:
		case mt.NumOut() == 2 && mt.Out(1) == errorType:
		default:
			continue
		}

		args := make([]reflect.Type, 0, mt.NumIn()-2)
		for j := 2; j < mt.NumIn(); j++ {
			args = append(args, mt.In(j))
		}
		s.method[wireName(method.Name)] = &methodType{
			method:   method,
			ArgTypes: args,
			hasReply: mt.NumOut() == 2,
		}
	}
}

func wireName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}

// Call 通过反射调用方法. Missing arguments stay zero values and extra arguments are
// ignored, the way a JavaScript callee treats them.
func (s *service) Call(ctx context.Context, name string, mType *methodType, args []json.RawMessage) (any, error) {
	in := make([]reflect.Value, 0, 2+len(mType.ArgTypes))
	in = append(in, s.rcvr, reflect.ValueOf(ctx))
	for i, t := range mType.ArgTypes {
		argv := reflect.New(t)
		if i < len(args) {
			if err := json.Unmarshal(args[i], argv.Interface()); err != nil {
				return nil, message.Errorf(message.CodeInvalidArgs, "argument %d of %s: %v", i+1, name, err)
			}
		}
		in = append(in, argv.Elem())
	}

	results := mType.method.Func.Call(in)
	if errv := results[len(results)-1]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	if mType.hasReply {
		return results[0].Interface(), nil
	}
	return nil, nil
}

// handler adapts a reflected method to a Handler. The method runs synchronously on
// the connection goroutine, which keeps side effects in request order.
func (s *service) handler(name string, mType *methodType) Handler {
	return func(ctx context.Context, args []json.RawMessage, respond Responder) {
		result, err := s.Call(ctx, name, mType, args)
		respond(err, result)
	}
}
