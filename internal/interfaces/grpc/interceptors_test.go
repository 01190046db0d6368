package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	grpcCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/turtacn/jwksverify/internal/application/service"
	"github.com/turtacn/jwksverify/pkg/errors"
	"github.com/turtacn/jwksverify/pkg/logger"
)

// MockVerifier is a mock for the ClaimsVerifier
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) VerifyAndGetClaims(ctx context.Context, tokenString string) (service.Claims, error) {
	args := m.Called(ctx, tokenString)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(service.Claims), args.Error(1)
}

func withBearer(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
}

func TestUnaryAuthInterceptor(t *testing.T) {
	mockVerifier := new(MockVerifier)
	mockVerifier.On("VerifyAndGetClaims", mock.Anything, "good").Return(service.Claims{"sub": "user-1"}, nil)
	mockVerifier.On("VerifyAndGetClaims", mock.Anything, "expired").Return(nil, errors.ErrTokenExpired("token expired"))
	mockVerifier.On("VerifyAndGetClaims", mock.Anything, "outage").Return(nil, errors.ErrOAuthProvider("https://idp/jwks", "timeout"))

	chain := NewInterceptorChain(logger.NewNoopLogger(), mockVerifier, "/public.Service/Ping")
	interceptor := chain.UnaryAuthInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/private.Service/Get"}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		claims, ok := ClaimsFromContext(ctx)
		if !ok {
			return "anonymous", nil
		}
		return claims["sub"], nil
	}

	t.Run("valid token", func(t *testing.T) {
		resp, err := interceptor(withBearer("good"), nil, info, handler)
		require.NoError(t, err)
		assert.Equal(t, "user-1", resp)
	})

	t.Run("missing metadata", func(t *testing.T) {
		_, err := interceptor(context.Background(), nil, info, handler)
		assert.Equal(t, grpcCodes.Unauthenticated, status.Code(err))
	})

	t.Run("wrong scheme", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic abc"))
		_, err := interceptor(ctx, nil, info, handler)
		assert.Equal(t, grpcCodes.Unauthenticated, status.Code(err))
	})

	t.Run("expired token", func(t *testing.T) {
		_, err := interceptor(withBearer("expired"), nil, info, handler)
		assert.Equal(t, grpcCodes.Unauthenticated, status.Code(err))
		assert.Contains(t, status.Convert(err).Message(), string(errors.KindTokenExpire))
	})

	t.Run("provider outage", func(t *testing.T) {
		_, err := interceptor(withBearer("outage"), nil, info, handler)
		assert.Equal(t, grpcCodes.Unavailable, status.Code(err))
	})

	t.Run("public method", func(t *testing.T) {
		resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/public.Service/Ping"}, handler)
		require.NoError(t, err)
		assert.Equal(t, "anonymous", resp)
	})

	mockVerifier.AssertNumberOfCalls(t, "VerifyAndGetClaims", 3)
}

func TestUnaryRecoveryInterceptor(t *testing.T) {
	chain := NewInterceptorChain(logger.NewNoopLogger(), new(MockVerifier))
	_, err := chain.UnaryRecoveryInterceptor()(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/y"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			panic("boom")
		})
	assert.Equal(t, grpcCodes.Internal, status.Code(err))
}

func startServer(t *testing.T, verifier ClaimsVerifier, publicMethods ...string) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(NewInterceptorChain(logger.NewNoopLogger(), verifier, publicMethods...), logger.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestServer_HealthBehindAuth(t *testing.T) {
	mockVerifier := new(MockVerifier)
	mockVerifier.On("VerifyAndGetClaims", mock.Anything, "good").Return(service.Claims{"sub": "svc"}, nil)
	client := startServer(t, mockVerifier)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	assert.Equal(t, grpcCodes.Unauthenticated, status.Code(err))

	authCtx := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer good")
	resp, err := client.Check(authCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestServer_StreamAuth(t *testing.T) {
	mockVerifier := new(MockVerifier)
	mockVerifier.On("VerifyAndGetClaims", mock.Anything, "good").Return(service.Claims{"sub": "svc"}, nil)
	client := startServer(t, mockVerifier)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, grpcCodes.Unauthenticated, status.Code(err))

	authCtx := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer good")
	stream, err = client.Watch(authCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestServer_PublicHealth(t *testing.T) {
	mockVerifier := new(MockVerifier)
	client := startServer(t, mockVerifier, HealthMethods...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	resp, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	mockVerifier.AssertNotCalled(t, "VerifyAndGetClaims", mock.Anything, mock.Anything)
}
