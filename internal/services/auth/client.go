package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	ssov1 "github.com/YagorX/protos/gen/go/sso"
	grpclog "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	grpcretry "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/retry"
	"golang.org/x/exp/slog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

var ErrInvalidToken = errors.New("invalid token")

// Client validates bearer tokens against the SSO service and yields the
// caller's user id.
type Client struct {
	conn       *grpc.ClientConn
	grpcClient ssov1.AuthClient
	log        *slog.Logger
}

type Options struct {
	Addr         string
	Timeout      time.Duration
	RetriesCount int
	Insecure     bool
}

func New(log *slog.Logger, opts Options) (*Client, error) {
	const op = "auth.New"

	retryOpts := []grpcretry.CallOption{
		grpcretry.WithCodes(codes.Unavailable, codes.Aborted, codes.DeadlineExceeded),
		grpcretry.WithMax(uint(opts.RetriesCount)),
		grpcretry.WithPerRetryTimeout(opts.Timeout),
	}

	logOpts := []grpclog.Option{
		grpclog.WithLogOnEvents(grpclog.FinishCall),
	}

	creds := insecure.NewCredentials()
	if !opts.Insecure {
		creds = credentials.NewClientTLSFromCert(nil, "")
	}

	cc, err := grpc.NewClient(opts.Addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithChainUnaryInterceptor(
			grpclog.UnaryClientInterceptor(InterceptorLogger(log), logOpts...),
			grpcretry.UnaryClientInterceptor(retryOpts...),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Client{
		conn:       cc,
		grpcClient: ssov1.NewAuthClient(cc),
		log:        log,
	}, nil
}

// ValidateToken returns the user id the token was issued to.
// Tokens the SSO rejects map to ErrInvalidToken.
func (c *Client) ValidateToken(ctx context.Context, token string) (int64, error) {
	const op = "auth.ValidateToken"

	resp, err := c.grpcClient.ValidateToken(ctx, &ssov1.ValidateTokenRequest{
		Token: token,
	})
	if err != nil {
		switch status.Code(err) {
		case codes.Unauthenticated, codes.InvalidArgument, codes.NotFound:
			return 0, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if resp.GetUserId() <= 0 {
		return 0, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return resp.GetUserId(), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// InterceptorLogger adapts slog to the go-grpc-middleware logger.
func InterceptorLogger(log *slog.Logger) grpclog.Logger {
	return grpclog.LoggerFunc(func(ctx context.Context, lvl grpclog.Level, msg string, fields ...any) {
		log.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
