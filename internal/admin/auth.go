package admin

import (
	"context"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// PassphraseHeader carries the operator passphrase in request metadata.
const PassphraseHeader = "x-arena-passphrase"

// HashPassphrase returns the bcrypt hash to store in admin.passphrase_hash.
func HashPassphrase(passphrase string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// PassphraseInterceptor rejects calls whose passphrase does not match hash.
// An empty hash disables the check. Health checks are always allowed.
func PassphraseInterceptor(hash string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if hash == "" || info.FullMethod == grpc_health_v1.Health_Check_FullMethodName {
			return next(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get(PassphraseHeader)
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "passphrase required")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(values[0])); err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid passphrase")
		}
		return next(ctx, req)
	}
}

// Passphrase attaches a passphrase to every call made through a client
// connection.
type Passphrase string

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (p Passphrase) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{PassphraseHeader: string(p)}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials. The
// admin listener binds to loopback by default.
func (p Passphrase) RequireTransportSecurity() bool { return false }
