package grpcsvc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/shipping"
)

// Заголовки metadata, из которых собирается domain.RequestContext.
const (
	HeaderCartID     = "x-cart-id"
	HeaderCustomerID = "x-customer-id"
	HeaderLocale     = "x-locale"
	HeaderCountry    = "x-country"
)

// Carts описывает операции корзины, нужные фасаду.
type Carts interface {
	Current(ctx context.Context, rc domain.RequestContext) (domain.Cart, error)
	Mutate(ctx context.Context, cart domain.Cart, actions []domain.CartAction) (domain.Cart, error)
	ShippingMethods(cart domain.Cart) []shipping.Method
}

// Checkout создаёт заказ из корзины.
type Checkout interface {
	CreateOrder(ctx context.Context, rc domain.RequestContext, cart domain.Cart, token string) (checkout.OrderOutcome, error)
}

// Orders читает заказы.
type Orders interface {
	Get(ctx context.Context, id string) (domain.Order, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error)
}

// Customers описывает операции клиента, нужные фасаду.
type Customers interface {
	Get(ctx context.Context, id string) (domain.Customer, error)
	SignUp(ctx context.Context, draft domain.CustomerDraft) (domain.Customer, error)
	Login(ctx context.Context, email, password string) (*domain.Customer, error)
	Mutate(ctx context.Context, customer domain.Customer, actions []domain.CustomerAction) (domain.Customer, error)
	ChangePassword(ctx context.Context, customer domain.Customer, currentPassword, newPassword string) (domain.Customer, error)
	CreatePasswordToken(ctx context.Context, email string) (*domain.PasswordToken, error)
	GetByToken(ctx context.Context, token string) (*domain.Customer, error)
	ResetPassword(ctx context.Context, customer domain.Customer, token, newPassword string) (domain.Customer, error)
}

// StorefrontService реализует StorefrontServer поверх сервисов ядра.
type StorefrontService struct {
	carts     Carts
	checkout  Checkout
	orders    Orders
	customers Customers
	logger    *log.Entry
}

// NewStorefrontService конструирует фасад с зависимостями.
func NewStorefrontService(carts Carts, checkoutSvc Checkout, orders Orders, customers Customers, logger *log.Entry) *StorefrontService {
	if logger == nil {
		logger = log.New().WithField("component", "storefront-grpc")
	}
	return &StorefrontService{
		carts:     carts,
		checkout:  checkoutSvc,
		orders:    orders,
		customers: customers,
		logger:    logger,
	}
}

type cartResponse struct {
	Cart domain.Cart `json:"cart"`
}

// GetCart возвращает текущую корзину запроса, создавая её при необходимости.
func (s *StorefrontService) GetCart(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	cart, err := s.carts.Current(ctx, requestContext(ctx))
	if err != nil {
		return nil, s.toStatus("GetCart", err)
	}
	return s.respond("GetCart", cartResponse{Cart: cart})
}

type updateCartRequest struct {
	Actions []domain.CartAction `json:"actions"`
}

// UpdateCart применяет описание обновления к текущей корзине.
func (s *StorefrontService) UpdateCart(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in updateCartRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}

	cart, err := s.carts.Current(ctx, requestContext(ctx))
	if err != nil {
		return nil, s.toStatus("UpdateCart", err)
	}
	updated, err := s.carts.Mutate(ctx, cart, in.Actions)
	if err != nil {
		return nil, s.toStatus("UpdateCart", err)
	}
	return s.respond("UpdateCart", cartResponse{Cart: updated})
}

type snapshotResponse struct {
	CartID      string `json:"cartId"`
	CartVersion int64  `json:"cartVersion"`
	Token       string `json:"token"`
}

// CreateSnapshot фиксирует состояние корзины перед переходом к оплате.
func (s *StorefrontService) CreateSnapshot(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	cart, err := s.carts.Current(ctx, requestContext(ctx))
	if err != nil {
		return nil, s.toStatus("CreateSnapshot", err)
	}
	return s.respond("CreateSnapshot", snapshotResponse{
		CartID:      cart.ID,
		CartVersion: cart.Version,
		Token:       checkout.DeriveToken(cart),
	})
}

type createOrderRequest struct {
	Token string `json:"token"`
}

type createOrderResponse struct {
	Created            bool                                `json:"created"`
	Order              *domain.Order                       `json:"order,omitempty"`
	Cart               *domain.Cart                        `json:"cart,omitempty"`
	RemovedLineItemIDs []string                            `json:"removedLineItemIds,omitempty"`
	Reasons            map[string]domain.UnavailableReason `json:"reasons,omitempty"`
}

// CreateOrder создаёт заказ из текущей корзины по snapshot-токену.
// Скорректированная корзина возвращается успешным ответом с created=false.
func (s *StorefrontService) CreateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in createOrderRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Token) == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}

	rc := requestContext(ctx)
	cart, err := s.carts.Current(ctx, rc)
	if err != nil {
		return nil, s.toStatus("CreateOrder", err)
	}

	outcome, err := s.checkout.CreateOrder(ctx, rc, cart, in.Token)
	if err != nil {
		return nil, s.toStatus("CreateOrder", err)
	}
	return s.respond("CreateOrder", createOrderResponse{
		Created:            outcome.Created(),
		Order:              outcome.Order,
		Cart:               outcome.CorrectedCart,
		RemovedLineItemIDs: outcome.RemovedLineItemIDs,
		Reasons:            outcome.Reasons,
	})
}

type getOrderRequest struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
}

type orderResponse struct {
	Order domain.Order `json:"order"`
}

// GetOrder ищет заказ по идентификатору или номеру.
// Заказ другого клиента не отдаётся и выглядит как отсутствующий.
func (s *StorefrontService) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in getOrderRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}

	var (
		order domain.Order
		err   error
	)
	switch {
	case in.OrderID != "":
		order, err = s.orders.Get(ctx, in.OrderID)
	case in.OrderNumber != "":
		order, err = s.orders.GetByOrderNumber(ctx, in.OrderNumber)
	default:
		return nil, status.Error(codes.InvalidArgument, "orderId or orderNumber is required")
	}
	if err != nil {
		return nil, s.toStatus("GetOrder", err)
	}

	rc := requestContext(ctx)
	if order.CustomerID != "" && order.CustomerID != rc.CustomerID {
		return nil, status.Error(codes.NotFound, "order not found")
	}
	return s.respond("GetOrder", orderResponse{Order: order})
}

type updateCustomerRequest struct {
	Actions []domain.CustomerAction `json:"actions"`
}

type customerResponse struct {
	Customer domain.Customer `json:"customer"`
}

// UpdateCustomer применяет описание обновления к клиенту запроса.
func (s *StorefrontService) UpdateCustomer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in updateCustomerRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}

	rc := requestContext(ctx)
	if !rc.LoggedIn() {
		return nil, status.Error(codes.Unauthenticated, "customer is not logged in")
	}

	customer, err := s.customers.Get(ctx, rc.CustomerID)
	if err != nil {
		return nil, s.toStatus("UpdateCustomer", err)
	}
	updated, err := s.customers.Mutate(ctx, customer, in.Actions)
	if err != nil {
		return nil, s.toStatus("UpdateCustomer", err)
	}
	return s.respond("UpdateCustomer", customerResponse{Customer: updated})
}

// SignUp регистрирует клиента; анонимная корзина берётся из metadata, если не передана явно.
func (s *StorefrontService) SignUp(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var draft domain.CustomerDraft
	if err := decodeRequest(req, &draft); err != nil {
		return nil, err
	}
	if draft.AnonymousCartID == "" {
		draft.AnonymousCartID = requestContext(ctx).CartID
	}

	customer, err := s.customers.SignUp(ctx, draft)
	if err != nil {
		return nil, s.toStatus("SignUp", err)
	}
	return s.respond("SignUp", customerResponse{Customer: customer})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login проверяет учётные данные.
func (s *StorefrontService) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in loginRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}

	customer, err := s.customers.Login(ctx, in.Email, in.Password)
	if err != nil {
		return nil, s.toStatus("Login", err)
	}
	if customer == nil {
		return nil, status.Error(codes.Unauthenticated, domain.ErrInvalidCredentials.Error())
	}
	return s.respond("Login", customerResponse{Customer: *customer})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// ChangePassword меняет пароль клиента запроса после проверки текущего.
func (s *StorefrontService) ChangePassword(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in changePasswordRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}

	rc := requestContext(ctx)
	if !rc.LoggedIn() {
		return nil, status.Error(codes.Unauthenticated, "customer is not logged in")
	}

	customer, err := s.customers.Get(ctx, rc.CustomerID)
	if err != nil {
		return nil, s.toStatus("ChangePassword", err)
	}
	updated, err := s.customers.ChangePassword(ctx, customer, in.CurrentPassword, in.NewPassword)
	if err != nil {
		return nil, s.toStatus("ChangePassword", err)
	}
	return s.respond("ChangePassword", customerResponse{Customer: updated})
}

type createPasswordTokenRequest struct {
	Email string `json:"email"`
}

type passwordTokenResponse struct {
	Token domain.PasswordToken `json:"token"`
}

// CreatePasswordToken выпускает токен сброса пароля для email.
func (s *StorefrontService) CreatePasswordToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in createPasswordTokenRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Email) == "" {
		return nil, status.Error(codes.InvalidArgument, "email is required")
	}

	token, err := s.customers.CreatePasswordToken(ctx, in.Email)
	if err != nil {
		return nil, s.toStatus("CreatePasswordToken", err)
	}
	if token == nil {
		return nil, status.Error(codes.NotFound, "customer not found")
	}
	return s.respond("CreatePasswordToken", passwordTokenResponse{Token: *token})
}

type tokenRequest struct {
	Token string `json:"token"`
}

// GetCustomerByToken возвращает владельца действующего токена сброса.
func (s *StorefrontService) GetCustomerByToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in tokenRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}

	customer, err := s.customerByToken(ctx, "GetCustomerByToken", in.Token)
	if err != nil {
		return nil, err
	}
	return s.respond("GetCustomerByToken", customerResponse{Customer: customer})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

// ResetPassword задаёт новый пароль по токену сброса; токен после этого недействителен.
func (s *StorefrontService) ResetPassword(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in resetPasswordRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}

	customer, err := s.customerByToken(ctx, "ResetPassword", in.Token)
	if err != nil {
		return nil, err
	}
	updated, err := s.customers.ResetPassword(ctx, customer, in.Token, in.NewPassword)
	if err != nil {
		return nil, s.toStatus("ResetPassword", err)
	}
	return s.respond("ResetPassword", customerResponse{Customer: updated})
}

func (s *StorefrontService) customerByToken(ctx context.Context, method, token string) (domain.Customer, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Customer{}, status.Error(codes.InvalidArgument, "token is required")
	}
	customer, err := s.customers.GetByToken(ctx, token)
	if err != nil {
		return domain.Customer{}, s.toStatus(method, err)
	}
	if customer == nil {
		return domain.Customer{}, status.Error(codes.Unauthenticated, domain.ErrInvalidToken.Error())
	}
	return *customer, nil
}

type shippingMethodsResponse struct {
	CartID          string            `json:"cartId"`
	ShippingMethods []shipping.Method `json:"shippingMethods"`
}

// GetShippingMethods перечисляет способы доставки для текущей корзины.
func (s *StorefrontService) GetShippingMethods(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	cart, err := s.carts.Current(ctx, requestContext(ctx))
	if err != nil {
		return nil, s.toStatus("GetShippingMethods", err)
	}
	return s.respond("GetShippingMethods", shippingMethodsResponse{
		CartID:          cart.ID,
		ShippingMethods: s.carts.ShippingMethods(cart),
	})
}

// requestContext собирает идентичность запроса из входящей metadata.
func requestContext(ctx context.Context) domain.RequestContext {
	md, _ := metadata.FromIncomingContext(ctx)
	first := func(key string) string {
		if values := md.Get(key); len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
		return ""
	}
	return domain.RequestContext{
		CartID:     first(HeaderCartID),
		CustomerID: first(HeaderCustomerID),
		Locale:     first(HeaderLocale),
		Country:    strings.ToUpper(first(HeaderCountry)),
	}
}

func decodeRequest(req *structpb.Struct, dst any) error {
	if req == nil {
		return nil
	}
	raw, err := protojson.Marshal(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, "request is not valid JSON")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func (s *StorefrontService) respond(method string, v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.WithError(err).WithField("method", method).Error("failed to encode response")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		s.logger.WithError(err).WithField("method", method).Error("failed to convert response")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// toStatus переводит ошибку ядра в gRPC-статус; внутренние ошибки не раскрываются клиенту.
func (s *StorefrontService) toStatus(method string, err error) error {
	code := codeFor(err)
	entry := s.logger.WithError(err).WithFields(log.Fields{"method": method, "code": code.String()})
	if code == codes.Internal {
		entry.Error("request failed")
		return status.Error(codes.Internal, "internal error")
	}
	entry.Debug("request rejected")
	return status.Error(code, err.Error())
}

func codeFor(err error) codes.Code {
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return st.Code()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Code()
	}

	switch {
	case errors.Is(err, domain.ErrStaleCart), errors.Is(err, domain.ErrCartNotActive):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrDuplicateEmail):
		return codes.AlreadyExists
	}

	switch domain.Classify(err) {
	case domain.FailureNotFound:
		return codes.NotFound
	case domain.FailureConcurrentModification:
		return codes.Aborted
	case domain.FailureValidation:
		return codes.InvalidArgument
	case domain.FailureInvalidCredentials:
		return codes.Unauthenticated
	case domain.FailureLineItemsUnavailable:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

var _ StorefrontServer = (*StorefrontService)(nil)
