package inference

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// healthCacheTTL is how long a positive health check is trusted
const healthCacheTTL = 30 * time.Second

// ClientConfig holds settings shared by the inference clients
type ClientConfig struct {
	Endpoint string
	Timeout  time.Duration // per-call deadline
	Service  string        // name reported to the gRPC health service
	Logger   *log.Logger
	// DialOptions are appended to the defaults (used by tests for bufconn)
	DialOptions []grpc.DialOption
}

// Dial creates a client connection with keepalive. The connection is lazy;
// the first call establishes it.
func Dial(endpoint string, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// client is the shared connection, health cache and unary invoker
type client struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	service string
	timeout time.Duration
	logger  *log.Logger
	prefix  string

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

func newClient(cfg ClientConfig, prefix string) (*client, error) {
	conn, err := Dial(cfg.Endpoint, cfg.DialOptions...)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger.Printf("[Inference] %s client for %s", prefix, cfg.Endpoint)
	return &client{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		service: cfg.Service,
		timeout: timeout,
		logger:  logger,
		prefix:  prefix,
	}, nil
}

// IsHealthy checks the standard gRPC health service, caching a positive
// answer for 30s
func (c *client) IsHealthy(ctx context.Context) bool {
	c.healthMu.RLock()
	if time.Since(c.lastHealth) < healthCacheTTL && c.healthy {
		c.healthMu.RUnlock()
		return true
	}
	c.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: c.service})
	if err != nil {
		c.logger.Printf("[Inference] %s health check failed: %v", c.prefix, err)
		c.healthMu.Lock()
		c.healthy = false
		c.healthMu.Unlock()
		return false
	}

	c.healthMu.Lock()
	c.healthy = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	c.lastHealth = time.Now()
	healthy := c.healthy
	c.healthMu.Unlock()
	return healthy
}

// invoke performs a unary call with generic Struct payloads
func (c *client) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	return out, nil
}

// Close closes the connection
func (c *client) Close() error {
	return c.conn.Close()
}
