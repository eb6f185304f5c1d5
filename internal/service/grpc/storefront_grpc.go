package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Полные имена методов storefront.v1.StorefrontService.
const (
	ServiceName = "storefront.v1.StorefrontService"

	MethodGetCart        = "/" + ServiceName + "/GetCart"
	MethodUpdateCart     = "/" + ServiceName + "/UpdateCart"
	MethodCreateSnapshot = "/" + ServiceName + "/CreateSnapshot"
	MethodCreateOrder    = "/" + ServiceName + "/CreateOrder"
	MethodGetOrder       = "/" + ServiceName + "/GetOrder"
	MethodUpdateCustomer = "/" + ServiceName + "/UpdateCustomer"
	MethodSignUp         = "/" + ServiceName + "/SignUp"
	MethodLogin          = "/" + ServiceName + "/Login"

	MethodChangePassword      = "/" + ServiceName + "/ChangePassword"
	MethodCreatePasswordToken = "/" + ServiceName + "/CreatePasswordToken"
	MethodGetCustomerByToken  = "/" + ServiceName + "/GetCustomerByToken"
	MethodResetPassword       = "/" + ServiceName + "/ResetPassword"
	MethodGetShippingMethods  = "/" + ServiceName + "/GetShippingMethods"
)

// StorefrontServer — серверная часть фасада. Запросы и ответы передаются
// как google.protobuf.Struct с JSON-представлением доменных типов.
type StorefrontServer interface {
	GetCart(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateCart(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateCustomer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignUp(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ChangePassword(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreatePasswordToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCustomerByToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetPassword(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetShippingMethods(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(StorefrontServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StorefrontServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(StorefrontServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// StorefrontServiceDesc описывает сервис для grpc.ServiceRegistrar.
var StorefrontServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StorefrontServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetCart", Handler: unaryHandler(MethodGetCart, StorefrontServer.GetCart)},
		{MethodName: "UpdateCart", Handler: unaryHandler(MethodUpdateCart, StorefrontServer.UpdateCart)},
		{MethodName: "CreateSnapshot", Handler: unaryHandler(MethodCreateSnapshot, StorefrontServer.CreateSnapshot)},
		{MethodName: "CreateOrder", Handler: unaryHandler(MethodCreateOrder, StorefrontServer.CreateOrder)},
		{MethodName: "GetOrder", Handler: unaryHandler(MethodGetOrder, StorefrontServer.GetOrder)},
		{MethodName: "UpdateCustomer", Handler: unaryHandler(MethodUpdateCustomer, StorefrontServer.UpdateCustomer)},
		{MethodName: "SignUp", Handler: unaryHandler(MethodSignUp, StorefrontServer.SignUp)},
		{MethodName: "Login", Handler: unaryHandler(MethodLogin, StorefrontServer.Login)},
		{MethodName: "ChangePassword", Handler: unaryHandler(MethodChangePassword, StorefrontServer.ChangePassword)},
		{MethodName: "CreatePasswordToken", Handler: unaryHandler(MethodCreatePasswordToken, StorefrontServer.CreatePasswordToken)},
		{MethodName: "GetCustomerByToken", Handler: unaryHandler(MethodGetCustomerByToken, StorefrontServer.GetCustomerByToken)},
		{MethodName: "ResetPassword", Handler: unaryHandler(MethodResetPassword, StorefrontServer.ResetPassword)},
		{MethodName: "GetShippingMethods", Handler: unaryHandler(MethodGetShippingMethods, StorefrontServer.GetShippingMethods)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storefront/v1/storefront.proto",
}

// RegisterStorefrontServer регистрирует реализацию на gRPC-сервере.
func RegisterStorefrontServer(s grpc.ServiceRegistrar, srv StorefrontServer) {
	s.RegisterService(&StorefrontServiceDesc, srv)
}

// StorefrontClient вызывает фасад из тестов и внутренних утилит.
type StorefrontClient struct {
	cc grpc.ClientConnInterface
}

// NewStorefrontClient создаёт клиента поверх соединения.
func NewStorefrontClient(cc grpc.ClientConnInterface) *StorefrontClient {
	return &StorefrontClient{cc: cc}
}

// Call вызывает метод fullMethod с произвольным JSON-совместимым запросом.
func (c *StorefrontClient) Call(ctx context.Context, fullMethod string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
