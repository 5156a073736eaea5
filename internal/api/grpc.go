package bridgeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aegis-sign/extbridge/pkg/apierrors"
	"github.com/aegis-sign/extbridge/pkg/dapp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 是 gRPC 服务全名。
const ServiceName = "extbridge.v1.ExtensionBridge"

// trailer 键：retryAfterKey 携带 Retry-After 提示，codeKey 携带 apierrors.Code。
const (
	retryAfterKey = "retry-after"
	codeKey       = "extbridge-code"
)

// ServiceServer 是 extbridge.v1.ExtensionBridge 的服务端接口，消息统一使用 google.protobuf.Struct。
type ServiceServer interface {
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAddress(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignTransactions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendTransactions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc 描述 extbridge.v1.ExtensionBridge。
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Connect", ServiceServer.Connect),
		unaryMethod("Disconnect", ServiceServer.Disconnect),
		unaryMethod("GetAddress", ServiceServer.GetAddress),
		unaryMethod("GetStatus", ServiceServer.GetStatus),
		unaryMethod("SignTransactions", ServiceServer.SignTransactions),
		unaryMethod("SendTransactions", ServiceServer.SendTransactions),
		unaryMethod("SignMessage", ServiceServer.SignMessage),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "extbridge/v1/bridge.proto",
}

// RegisterServer 把 srv 注册到 gRPC server。
func RegisterServer(s grpc.ServiceRegistrar, srv ServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// GRPCServer 实现 ServiceServer。
type GRPCServer struct {
	backend Backend
	hinter  *RetryHinter
}

// GRPCOption 允许自定义 GRPCServer。
type GRPCOption func(*GRPCServer)

// WithGRPCRetryHinter 替换默认的 Retry-After 生成器。
func WithGRPCRetryHinter(r *RetryHinter) GRPCOption {
	return func(s *GRPCServer) { s.hinter = r }
}

// NewGRPCServer 构造 gRPC server。
func NewGRPCServer(backend Backend, opts ...GRPCOption) *GRPCServer {
	if backend == nil {
		panic("bridge backend is required")
	}
	s := &GRPCServer{backend: backend, hinter: NewRetryHinter(RetryHintConfig{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ServiceServer = (*GRPCServer)(nil)

func (s *GRPCServer) Connect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body dapp.LoginOptions
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	account, err := s.backend.Login(ctx, body)
	if err != nil {
		return nil, s.grpcError(ctx, err)
	}
	return toStruct(account)
}

func (s *GRPCServer) Disconnect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ok, err := s.backend.Logout(ctx)
	if err != nil {
		return nil, s.grpcError(ctx, err)
	}
	return toStruct(disconnectBody{OK: ok})
}

func (s *GRPCServer) GetAddress(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	address, err := s.backend.GetAddress(ctx)
	if err != nil {
		return nil, s.grpcError(ctx, err)
	}
	return toStruct(addressBody{Address: address})
}

func (s *GRPCServer) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	view, err := buildStatus(ctx, s.backend)
	if err != nil {
		return nil, s.grpcError(ctx, err)
	}
	return toStruct(view)
}

func (s *GRPCServer) SignTransactions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.transactions(ctx, req, true)
}

func (s *GRPCServer) SendTransactions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.transactions(ctx, req, false)
}

func (s *GRPCServer) transactions(ctx context.Context, req *structpb.Struct, signOnly bool) (*structpb.Struct, error) {
	var body transactionsBody
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	if err := requireTransactions(body); err != nil {
		return nil, s.grpcError(ctx, err)
	}
	var (
		txs []dapp.Transaction
		err error
	)
	if signOnly {
		txs, err = s.backend.SignTransactions(ctx, body.Transactions)
	} else {
		txs, err = s.backend.SendTransactions(ctx, body.Transactions)
	}
	if err != nil {
		return nil, s.grpcError(ctx, err)
	}
	return toStruct(transactionsBody{Transactions: txs})
}

func (s *GRPCServer) SignMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body signMessageBody
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	msg, err := decodeSignableMessage(body)
	if err != nil {
		return nil, s.grpcError(ctx, err)
	}
	signed, err := s.backend.SignMessage(ctx, msg)
	if err != nil {
		return nil, s.grpcError(ctx, err)
	}
	return toStruct(signed)
}

func (s *GRPCServer) grpcError(ctx context.Context, err error) error {
	apiErr, ok := s.hinter.Annotate(err)
	if !ok {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(codeKey, string(apierrors.CodeInternal)))
		return status.Error(codes.Internal, "internal error")
	}
	trailer := metadata.Pairs(codeKey, string(apiErr.Code))
	if hint := apiErr.RetryAfterHint(); hint != "" {
		trailer.Set(retryAfterKey, hint)
	}
	_ = grpc.SetTrailer(ctx, trailer)
	return status.Error(apierrors.GRPCStatus(apiErr.Code), apiErr.Error())
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// GRPCClient 通过 ClientConn.Invoke 调用 extbridge.v1.ExtensionBridge。
type GRPCClient struct {
	cc grpc.ClientConnInterface
}

// NewGRPCClient 构造客户端。
func NewGRPCClient(cc grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{cc: cc}
}

func (c *GRPCClient) invoke(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	var trailer metadata.MD
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.Trailer(&trailer)); err != nil {
		return clientError(err, trailer)
	}
	if out == nil {
		return nil
	}
	raw, err := protojson.Marshal(resp)
	if err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// clientError 把 gRPC status 还原为 apierrors.Error。
// 错误码优先取服务端 trailer；没有 trailer 的 Unavailable 是传输层故障，原样返回。
func clientError(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var code apierrors.Code
	if values := trailer.Get(codeKey); len(values) > 0 && values[0] != "" {
		code = apierrors.Code(values[0])
	} else if st.Code() == codes.Unavailable {
		return fmt.Errorf("bridge-api unavailable: %w", err)
	} else {
		code = apierrors.FromGRPCCode(st.Code())
	}
	apiErr := apierrors.New(code, st.Message())
	if values := trailer.Get(retryAfterKey); len(values) > 0 {
		if secs, perr := parseSeconds(values[0]); perr == nil {
			apiErr.WithRetryAfter(secs)
		}
	}
	return apiErr
}

func parseSeconds(raw string) (time.Duration, error) {
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// Connect 调用 Connect。
func (c *GRPCClient) Connect(ctx context.Context, opts dapp.LoginOptions) (dapp.Account, error) {
	var account dapp.Account
	err := c.invoke(ctx, "Connect", opts, &account)
	return account, err
}

// Disconnect 调用 Disconnect。
func (c *GRPCClient) Disconnect(ctx context.Context) (bool, error) {
	var body disconnectBody
	err := c.invoke(ctx, "Disconnect", struct{}{}, &body)
	return body.OK, err
}

// GetAddress 调用 GetAddress。
func (c *GRPCClient) GetAddress(ctx context.Context) (string, error) {
	var body addressBody
	err := c.invoke(ctx, "GetAddress", struct{}{}, &body)
	return body.Address, err
}

// Status 调用 GetStatus。
func (c *GRPCClient) Status(ctx context.Context) (StatusView, error) {
	var view StatusView
	err := c.invoke(ctx, "GetStatus", struct{}{}, &view)
	return view, err
}

// SignTransactions 调用 SignTransactions。
func (c *GRPCClient) SignTransactions(ctx context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error) {
	var body transactionsBody
	err := c.invoke(ctx, "SignTransactions", transactionsBody{Transactions: txs}, &body)
	return body.Transactions, err
}

// SendTransactions 调用 SendTransactions。
func (c *GRPCClient) SendTransactions(ctx context.Context, txs []dapp.Transaction) ([]dapp.Transaction, error) {
	var body transactionsBody
	err := c.invoke(ctx, "SendTransactions", transactionsBody{Transactions: txs}, &body)
	return body.Transactions, err
}

// SignMessage 调用 SignMessage，encoding 为空时按 utf8 处理。
func (c *GRPCClient) SignMessage(ctx context.Context, message, encoding string) (dapp.SignableMessage, error) {
	var signed dapp.SignableMessage
	err := c.invoke(ctx, "SignMessage", signMessageBody{Message: message, Encoding: encoding}, &signed)
	return signed, err
}
