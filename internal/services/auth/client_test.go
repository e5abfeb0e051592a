package auth

import (
	"context"
	"net"
	"testing"
	"time"

	"TelemedTriage/internal/lib/logger/handlers/slogdiscard"

	ssov1 "github.com/YagorX/protos/gen/go/sso"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type ssoServer struct {
	ssov1.UnimplementedAuthServer
	users map[string]int64
}

func (s *ssoServer) ValidateToken(_ context.Context, req *ssov1.ValidateTokenRequest) (*ssov1.ValidateTokenResponse, error) {
	switch req.GetToken() {
	case "down":
		return nil, status.Error(codes.Internal, "boom")
	case "zero":
		return &ssov1.ValidateTokenResponse{}, nil
	}

	id, ok := s.users[req.GetToken()]
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "bad token")
	}
	return &ssov1.ValidateTokenResponse{UserId: id}, nil
}

func newClient(t *testing.T) *Client {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	ssov1.RegisterAuthServer(srv, &ssoServer{users: map[string]int64{"good": 7}})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := New(slogdiscard.NewDiscardLogger(), Options{
		Addr:         lis.Addr().String(),
		Timeout:      2 * time.Second,
		RetriesCount: 1,
		Insecure:     true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestValidateToken(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	id, err := c.ValidateToken(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	_, err = c.ValidateToken(ctx, "stolen")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = c.ValidateToken(ctx, "zero")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = c.ValidateToken(ctx, "down")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestValidateToken_CancelledContext(t *testing.T) {
	c := newClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ValidateToken(ctx, "good")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}
