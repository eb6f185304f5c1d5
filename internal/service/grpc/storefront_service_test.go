package grpcsvc_test

import (
	"context"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/customer"
	grpcsvc "github.com/vladislavdragonenkov/storefront/internal/service/grpc"
	"github.com/vladislavdragonenkov/storefront/internal/service/numbering"
	"github.com/vladislavdragonenkov/storefront/internal/service/order"
	"github.com/vladislavdragonenkov/storefront/internal/service/shipping"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

const bufSize = 1024 * 1024

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: false, DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

type testEnv struct {
	client  *grpcsvc.StorefrontClient
	catalog *memory.Catalog
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := loggerForTests()

	carts := memory.NewCartRepository()
	catalog := memory.NewCatalog()
	orders := memory.NewOrderRepository(carts, catalog)
	customers := memory.NewCustomerRepository()
	objects := memory.NewCustomObjectRepository()

	info := checkout.NewInfoStore(objects, logger)
	allocator := numbering.NewAllocator(objects, info, numbering.WithLogger(logger))

	shippingMethods, err := shipping.NewCatalog(shipping.DefaultMethods())
	require.NoError(t, err)

	cartService := cart.NewService(carts, cart.WithLogger(logger), cart.WithShippingMethods(shippingMethods))
	checkoutService := checkout.NewService(orders, cartService.Mutator(), allocator, checkout.WithLogger(logger))
	service := grpcsvc.NewStorefrontService(
		cartService,
		checkoutService,
		order.NewService(orders, logger, nil),
		customer.NewService(customers, allocator, customer.WithLogger(logger)),
		logger,
	)

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	grpcsvc.RegisterStorefrontServer(server, service)

	go func() {
		if err := server.Serve(listener); err != nil {
			logger.WithError(err).Error("grpc serve failed")
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}

	//nolint:staticcheck // grpc.Dial is required for bufconn testing
	conn, err := grpc.Dial("bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
		_ = listener.Close()
	})

	return &testEnv{client: grpcsvc.NewStorefrontClient(conn), catalog: catalog}
}

func cartCtx(cartID string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), grpcsvc.HeaderCartID, cartID)
}

func nested(t *testing.T, m map[string]any, key string) map[string]any {
	t.Helper()
	v, ok := m[key].(map[string]any)
	require.Truef(t, ok, "field %q is not an object: %#v", key, m[key])
	return v
}

func addItemRequest(productID string, variantID int, quantity int, cents int64) map[string]any {
	return map[string]any{
		"actions": []any{
			map[string]any{
				"action":    string(domain.CartActionAddLineItem),
				"productId": productID,
				"variantId": variantID,
				"quantity":  quantity,
				"price":     map[string]any{"centAmount": cents},
			},
		},
	}
}

func TestStorefrontService_CheckoutFlow(t *testing.T) {
	env := newTestServer(t)

	got, err := env.client.Call(context.Background(), grpcsvc.MethodGetCart, nil)
	require.NoError(t, err)
	cartID, _ := nested(t, got, "cart")["id"].(string)
	require.NotEmpty(t, cartID)

	ctx := cartCtx(cartID)
	updated, err := env.client.Call(ctx, grpcsvc.MethodUpdateCart, addItemRequest("sku-1", 1, 2, 500))
	require.NoError(t, err)
	require.Len(t, nested(t, updated, "cart")["lineItems"], 1)

	snapshot, err := env.client.Call(ctx, grpcsvc.MethodCreateSnapshot, nil)
	require.NoError(t, err)
	require.Equal(t, cartID, snapshot["cartId"])
	token, _ := snapshot["token"].(string)
	require.NotEmpty(t, token)

	created, err := env.client.Call(ctx, grpcsvc.MethodCreateOrder, map[string]any{"token": token})
	require.NoError(t, err)
	require.Equal(t, true, created["created"])
	orderNumber, _ := nested(t, created, "order")["orderNumber"].(string)
	require.Equal(t, "10001", orderNumber)

	fetched, err := env.client.Call(ctx, grpcsvc.MethodGetOrder, map[string]any{"orderNumber": orderNumber})
	require.NoError(t, err)
	require.Equal(t, cartID, nested(t, fetched, "order")["cartId"])
}

func TestStorefrontService_CreateOrderStaleToken(t *testing.T) {
	env := newTestServer(t)

	got, err := env.client.Call(context.Background(), grpcsvc.MethodGetCart, nil)
	require.NoError(t, err)
	ctx := cartCtx(nested(t, got, "cart")["id"].(string))

	_, err = env.client.Call(ctx, grpcsvc.MethodUpdateCart, addItemRequest("sku-1", 1, 1, 500))
	require.NoError(t, err)
	snapshot, err := env.client.Call(ctx, grpcsvc.MethodCreateSnapshot, nil)
	require.NoError(t, err)

	_, err = env.client.Call(ctx, grpcsvc.MethodUpdateCart, addItemRequest("sku-2", 1, 1, 300))
	require.NoError(t, err)

	_, err = env.client.Call(ctx, grpcsvc.MethodCreateOrder, map[string]any{"token": snapshot["token"]})
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestStorefrontService_CreateOrderCorrectsCart(t *testing.T) {
	env := newTestServer(t)
	env.catalog.SetVariant("sku-gone", 1, domain.Money{CentAmount: 500, Currency: cart.DefaultCurrency}, 0)

	got, err := env.client.Call(context.Background(), grpcsvc.MethodGetCart, nil)
	require.NoError(t, err)
	ctx := cartCtx(nested(t, got, "cart")["id"].(string))

	_, err = env.client.Call(ctx, grpcsvc.MethodUpdateCart, addItemRequest("sku-ok", 1, 1, 200))
	require.NoError(t, err)
	updated, err := env.client.Call(ctx, grpcsvc.MethodUpdateCart, addItemRequest("sku-gone", 1, 1, 500))
	require.NoError(t, err)
	items := nested(t, updated, "cart")["lineItems"].([]any)
	goneID := items[1].(map[string]any)["id"].(string)

	snapshot, err := env.client.Call(ctx, grpcsvc.MethodCreateSnapshot, nil)
	require.NoError(t, err)

	outcome, err := env.client.Call(ctx, grpcsvc.MethodCreateOrder, map[string]any{"token": snapshot["token"]})
	require.NoError(t, err)
	require.Equal(t, false, outcome["created"])
	require.Equal(t, []any{goneID}, outcome["removedLineItemIds"])
	require.Equal(t, string(domain.ReasonOutOfStock), nested(t, outcome, "reasons")[goneID])
	require.Len(t, nested(t, outcome, "cart")["lineItems"], 1)
}

func TestStorefrontService_CreateOrderRequiresToken(t *testing.T) {
	env := newTestServer(t)

	_, err := env.client.Call(context.Background(), grpcsvc.MethodCreateOrder, map[string]any{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStorefrontService_GetOrderNotFound(t *testing.T) {
	env := newTestServer(t)

	_, err := env.client.Call(context.Background(), grpcsvc.MethodGetOrder, map[string]any{"orderId": "missing"})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = env.client.Call(context.Background(), grpcsvc.MethodGetOrder, map[string]any{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStorefrontService_CustomerLifecycle(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	signUp := map[string]any{"email": "ann@example.com", "password": "secret-1", "firstName": "Ann"}
	created, err := env.client.Call(ctx, grpcsvc.MethodSignUp, signUp)
	require.NoError(t, err)
	customerData := nested(t, created, "customer")
	require.Equal(t, "1001", customerData["customerNumber"])
	customerID := customerData["id"].(string)

	_, err = env.client.Call(ctx, grpcsvc.MethodSignUp, signUp)
	require.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = env.client.Call(ctx, grpcsvc.MethodLogin, map[string]any{"email": "ann@example.com", "password": "wrong-pass"})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	logged, err := env.client.Call(ctx, grpcsvc.MethodLogin, map[string]any{"email": "ann@example.com", "password": "secret-1"})
	require.NoError(t, err)
	require.Equal(t, customerID, nested(t, logged, "customer")["id"])

	rename := map[string]any{"actions": []any{map[string]any{"action": "changeName", "firstName": "Anna", "lastName": "Smith"}}}
	_, err = env.client.Call(ctx, grpcsvc.MethodUpdateCustomer, rename)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(ctx, grpcsvc.HeaderCustomerID, customerID)
	updated, err := env.client.Call(authed, grpcsvc.MethodUpdateCustomer, rename)
	require.NoError(t, err)
	require.Equal(t, "Anna", nested(t, updated, "customer")["firstName"])
}

func TestStorefrontService_InvalidCartAction(t *testing.T) {
	env := newTestServer(t)

	_, err := env.client.Call(context.Background(), grpcsvc.MethodUpdateCart, map[string]any{
		"actions": []any{map[string]any{"action": "explode"}},
	})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStorefrontService_PasswordFlows(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	created, err := env.client.Call(ctx, grpcsvc.MethodSignUp, map[string]any{"email": "bob@example.com", "password": "secret-1"})
	require.NoError(t, err)
	customerID := nested(t, created, "customer")["id"].(string)
	authed := metadata.AppendToOutgoingContext(ctx, grpcsvc.HeaderCustomerID, customerID)

	change := map[string]any{"currentPassword": "secret-1", "newPassword": "secret-2"}
	_, err = env.client.Call(ctx, grpcsvc.MethodChangePassword, change)
	require.Equal(t, codes.Unauthenticated, status.Code(err), "anonymous request")

	_, err = env.client.Call(authed, grpcsvc.MethodChangePassword, map[string]any{"currentPassword": "wrong-pass", "newPassword": "secret-2"})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = env.client.Call(authed, grpcsvc.MethodChangePassword, map[string]any{"currentPassword": "secret-1", "newPassword": "123"})
	require.Equal(t, codes.InvalidArgument, status.Code(err), "too short")

	_, err = env.client.Call(authed, grpcsvc.MethodChangePassword, change)
	require.NoError(t, err)
	_, err = env.client.Call(ctx, grpcsvc.MethodLogin, map[string]any{"email": "bob@example.com", "password": "secret-2"})
	require.NoError(t, err)

	_, err = env.client.Call(ctx, grpcsvc.MethodCreatePasswordToken, map[string]any{"email": "nobody@example.com"})
	require.Equal(t, codes.NotFound, status.Code(err))
	_, err = env.client.Call(ctx, grpcsvc.MethodCreatePasswordToken, map[string]any{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	issued, err := env.client.Call(ctx, grpcsvc.MethodCreatePasswordToken, map[string]any{"email": "bob@example.com"})
	require.NoError(t, err)
	token := nested(t, issued, "token")
	value, _ := token["value"].(string)
	require.NotEmpty(t, value)
	require.Equal(t, customerID, token["customerId"])

	owner, err := env.client.Call(ctx, grpcsvc.MethodGetCustomerByToken, map[string]any{"token": value})
	require.NoError(t, err)
	require.Equal(t, customerID, nested(t, owner, "customer")["id"])

	_, err = env.client.Call(ctx, grpcsvc.MethodGetCustomerByToken, map[string]any{"token": "forged"})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = env.client.Call(ctx, grpcsvc.MethodResetPassword, map[string]any{"token": value, "newPassword": "secret-3"})
	require.NoError(t, err)
	_, err = env.client.Call(ctx, grpcsvc.MethodLogin, map[string]any{"email": "bob@example.com", "password": "secret-3"})
	require.NoError(t, err)

	_, err = env.client.Call(ctx, grpcsvc.MethodResetPassword, map[string]any{"token": value, "newPassword": "secret-4"})
	require.Equal(t, codes.Unauthenticated, status.Code(err), "token is single use")
}

func TestStorefrontService_ShippingMethods(t *testing.T) {
	env := newTestServer(t)

	got, err := env.client.Call(context.Background(), grpcsvc.MethodGetCart, nil)
	require.NoError(t, err)
	ctx := cartCtx(nested(t, got, "cart")["id"].(string))

	listed, err := env.client.Call(ctx, grpcsvc.MethodGetShippingMethods, nil)
	require.NoError(t, err)
	require.Empty(t, listed["shippingMethods"], "cart has no shipping address")

	setAddress := map[string]any{"actions": []any{
		map[string]any{"action": string(domain.CartActionSetShippingAddress), "address": map[string]any{"city": "Paris", "country": "FR"}},
	}}
	_, err = env.client.Call(ctx, grpcsvc.MethodUpdateCart, setAddress)
	require.NoError(t, err)

	listed, err = env.client.Call(ctx, grpcsvc.MethodGetShippingMethods, nil)
	require.NoError(t, err)
	methods, _ := listed["shippingMethods"].([]any)
	require.Len(t, methods, 1)
	require.Equal(t, "standard", methods[0].(map[string]any)["id"])

	choose := func(id string) error {
		_, err := env.client.Call(ctx, grpcsvc.MethodUpdateCart, map[string]any{"actions": []any{
			map[string]any{"action": string(domain.CartActionSetShippingMethod), "shippingMethodId": id},
		}})
		return err
	}
	require.Equal(t, codes.InvalidArgument, status.Code(choose("teleport")))
	require.Equal(t, codes.InvalidArgument, status.Code(choose("express")), "express does not ship to FR")
	require.NoError(t, choose("standard"))
}
