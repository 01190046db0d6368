package grpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	grpcCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/turtacn/jwksverify/internal/application/service"
	"github.com/turtacn/jwksverify/pkg/constants"
	"github.com/turtacn/jwksverify/pkg/errors"
	"github.com/turtacn/jwksverify/pkg/logger"
)

// ClaimsVerifier is the verification capability the interceptors depend on.
type ClaimsVerifier interface {
	VerifyAndGetClaims(ctx context.Context, tokenString string) (service.Claims, error)
}

type claimsKey struct{}

// ClaimsFromContext returns the claims the auth interceptors stored for the call.
func ClaimsFromContext(ctx context.Context) (service.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(service.Claims)
	return claims, ok
}

// InterceptorChain groups the server interceptors of the gRPC gate.
type InterceptorChain struct {
	log      logger.Logger
	verifier ClaimsVerifier
	public   map[string]bool
}

// NewInterceptorChain creates the chain. Methods listed in publicMethods
// (full method names) skip authentication.
func NewInterceptorChain(log logger.Logger, verifier ClaimsVerifier, publicMethods ...string) *InterceptorChain {
	public := make(map[string]bool, len(publicMethods))
	for _, m := range publicMethods {
		public[m] = true
	}
	return &InterceptorChain{
		log:      log.WithComponent("GRPCGate"),
		verifier: verifier,
		public:   public,
	}
}

// UnaryRecoveryInterceptor turns a handler panic into codes.Internal.
func (ic *InterceptorChain) UnaryRecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				ic.log.Error(ctx, "gRPC handler panic recovered", fmt.Errorf("%v", r),
					logger.String("method", info.FullMethod),
				)
				err = status.Errorf(grpcCodes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}

// UnaryLoggingInterceptor logs the outcome of every call.
func (ic *InterceptorChain) UnaryLoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ic.log.Debug(ctx, "gRPC request completed",
			logger.String("method", info.FullMethod),
			logger.Duration("duration", time.Since(start)),
			logger.String("status", status.Code(err).String()),
		)
		return resp, err
	}
}

// UnaryAuthInterceptor verifies the bearer token in the authorization metadata
// and stores the claims in the handler's context.
func (ic *InterceptorChain) UnaryAuthInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if ic.public[info.FullMethod] {
			return handler(ctx, req)
		}
		authCtx, err := ic.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(authCtx, req)
	}
}

// StreamAuthInterceptor is the streaming counterpart of UnaryAuthInterceptor.
func (ic *InterceptorChain) StreamAuthInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if ic.public[info.FullMethod] {
			return handler(srv, ss)
		}
		authCtx, err := ic.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: authCtx})
	}
}

func (ic *InterceptorChain) authenticate(ctx context.Context, method string) (context.Context, error) {
	token := bearerFromMetadata(ctx)
	if token == "" {
		return nil, convertVerifyError(errors.ErrTokenNotProvided)
	}

	claims, err := ic.verifier.VerifyAndGetClaims(ctx, token)
	if err != nil {
		ic.log.Debug(ctx, "gRPC bearer rejected",
			logger.String("method", method),
			logger.String("kind", string(errors.KindOf(err))),
		)
		return nil, convertVerifyError(err)
	}
	return context.WithValue(ctx, claimsKey{}, claims), nil
}

func bearerFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return ""
	}
	parts := strings.SplitN(values[0], " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], constants.BearerScheme) {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// convertVerifyError maps a verification failure to a gRPC status. Provider
// outages are Unavailable so clients may retry; everything else is Unauthenticated.
func convertVerifyError(err error) error {
	kind := errors.KindOf(err)
	switch kind {
	case errors.KindOAuthProvider:
		return status.Error(grpcCodes.Unavailable, string(kind))
	case "":
		return status.Error(grpcCodes.Unauthenticated, "unauthorized")
	default:
		return status.Error(grpcCodes.Unauthenticated, string(kind))
	}
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}

// ChainUnaryInterceptors chains the unary interceptors in order.
func (ic *InterceptorChain) ChainUnaryInterceptors() grpc.ServerOption {
	return grpc.ChainUnaryInterceptor(
		ic.UnaryRecoveryInterceptor(),
		ic.UnaryLoggingInterceptor(),
		ic.UnaryAuthInterceptor(),
	)
}

// ChainStreamInterceptors chains the stream interceptors in order.
func (ic *InterceptorChain) ChainStreamInterceptors() grpc.ServerOption {
	return grpc.ChainStreamInterceptor(
		ic.StreamAuthInterceptor(),
	)
}
