// Package control is the daemon's gRPC control service. Requests and
// responses are google.protobuf.Struct values, so the service needs no
// generated code: methods are registered on a Mux by name.
package control

import (
	"context"
	"math"
	"slices"

	"github.com/matheus3301/chatsync/internal/errs"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.control.v1.Control"

// Control methods.
const (
	MethodStatus   = "Status"
	MethodSessions = "Sessions"
	MethodRefresh  = "Refresh"
	MethodMessages = "Messages"
	MethodSend     = "Send"
	MethodWho      = "Who"
	MethodCreate   = "Create"
	MethodJoin     = "Join"
	MethodLeave    = "Leave"
	MethodEnd      = "End"
	MethodLock     = "Lock"
	MethodRename   = "Rename"
	MethodReact    = "React"
	MethodDelete   = "Delete"
	MethodTyping   = "Typing"
)

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// HandlerFunc serves one control method. The returned map must hold only
// values structpb.NewValue accepts.
type HandlerFunc func(ctx context.Context, args Args) (map[string]any, error)

// server is the handler type checked by grpc.RegisterService.
type server interface {
	call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

// Mux routes control methods to handlers.
type Mux struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

// NewMux creates an empty mux.
func NewMux(logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mux{handlers: make(map[string]HandlerFunc), logger: logger.Named("control")}
}

// Handle registers h for method, replacing any earlier handler.
func (m *Mux) Handle(method string, h HandlerFunc) {
	m.handlers[method] = h
}

// Register adds the service to s with every method registered so far.
func (m *Mux) Register(s grpc.ServiceRegistrar) {
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	slices.Sort(names)

	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*server)(nil),
		Metadata:    "chatsync/control/v1/control.proto",
	}
	for _, name := range names {
		desc.Methods = append(desc.Methods, methodDesc(name))
	}
	s.RegisterService(&desc, m)
}

func methodDesc(name string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return srv.(server).call(ctx, name, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}, call)
		},
	}
}

func (m *Mux) call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	h, ok := m.handlers[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	out, err := h(ctx, Args{s: req})
	if err != nil {
		m.logger.Debug("control call failed", zap.String("method", method), zap.Error(err))
		return nil, toStatus(err)
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		m.logger.Error("control response not encodable", zap.String("method", method), zap.Error(err))
		return nil, status.Error(codes.Internal, "response not encodable")
	}
	return resp, nil
}

var kindCodes = map[errs.Kind]codes.Code{
	errs.TransportFailure: codes.Unavailable,
	errs.InvalidInput:     codes.InvalidArgument,
	errs.AuthRequired:     codes.Unauthenticated,
	errs.NotFound:         codes.NotFound,
	errs.RemoteRejected:   codes.FailedPrecondition,
}

func toStatus(err error) error {
	if ctxErr := status.FromContextError(err); ctxErr.Code() == codes.Canceled || ctxErr.Code() == codes.DeadlineExceeded {
		return ctxErr.Err()
	}
	return status.Error(kindCodes[errs.KindOf(err)], errs.Reason(err))
}

// fromStatus maps a gRPC error back onto the error taxonomy.
func fromStatus(method string, err error) error {
	st := status.Convert(err)
	kind := errs.TransportFailure
	for k, c := range kindCodes {
		if c == st.Code() && k != errs.TransportFailure {
			kind = k
		}
	}
	return errs.New(kind, "control."+method, st.Message())
}

// Args reads request fields. Missing or mistyped fields read as zero.
type Args struct {
	s *structpb.Struct
}

func (a Args) value(key string) *structpb.Value {
	if a.s == nil {
		return nil
	}
	return a.s.GetFields()[key]
}

// String returns the string field key.
func (a Args) String(key string) string {
	return a.value(key).GetStringValue()
}

// Bool returns the bool field key.
func (a Args) Bool(key string) bool {
	return a.value(key).GetBoolValue()
}

// Int returns the numeric field key, or def when it is absent.
func (a Args) Int(key string, def int) int {
	v, ok := a.value(key).GetKind().(*structpb.Value_NumberValue)
	if !ok || math.IsNaN(v.NumberValue) {
		return def
	}
	return int(v.NumberValue)
}

// Strings returns the string elements of the list field key.
func (a Args) Strings(key string) []string {
	var out []string
	for _, v := range a.value(key).GetListValue().GetValues() {
		if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			out = append(out, s.StringValue)
		}
	}
	return out
}
