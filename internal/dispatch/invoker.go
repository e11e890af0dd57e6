package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vyrodovalexey/openapigw/internal/config"
	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/route"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// Metadata keys sent with every generic call.
const (
	MetadataVersion    = "rpc-version"
	MetadataGroup      = "rpc-group"
	MetadataParamTypes = "rpc-param-types"
)

// Invoker defaults.
const (
	DefaultRPCTimeout      = 5000 * time.Millisecond
	DefaultWorkerPoolSize  = 64
	DefaultHandleCacheSize = 256
)

// InvokerConfig configures generic RPC invocation.
type InvokerConfig struct {
	DefaultTimeout  time.Duration
	DefaultTarget   string
	Targets         map[string]string
	WorkerPoolSize  int
	HandleCacheSize int
}

// InvokerConfigFrom converts the gateway configuration.
func InvokerConfigFrom(cfg config.RPCConfig) InvokerConfig {
	return InvokerConfig{
		DefaultTimeout:  cfg.DefaultTimeout.Duration(),
		DefaultTarget:   cfg.DefaultTarget,
		Targets:         cfg.Targets,
		WorkerPoolSize:  cfg.WorkerPoolSize,
		HandleCacheSize: cfg.HandleCacheSize,
	}
}

// Invoker calls RPC backends without generated stubs. Arguments and
// results travel as structpb values over a cached gRPC connection per
// interface, version and group. Calls run in a bounded worker pool.
type Invoker struct {
	cfg        InvokerConfig
	handles    *lru.Cache[string, *grpc.ClientConn]
	mu         sync.Mutex
	pool       *semaphore.Weighted
	extractors []Extractor
	strategies []Strategy
	dialOpts   []grpc.DialOption
	logger     observability.Logger
	metrics    *observability.Metrics
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithDialOptions replaces the gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) InvokerOption {
	return func(i *Invoker) {
		i.dialOpts = opts
	}
}

// WithExtractors replaces the parameter extractors.
func WithExtractors(extractors ...Extractor) InvokerOption {
	return func(i *Invoker) {
		i.extractors = SortExtractors(extractors)
	}
}

// WithInvokerLogger sets the logger.
func WithInvokerLogger(logger observability.Logger) InvokerOption {
	return func(i *Invoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithInvokerMetrics sets the metrics sink.
func WithInvokerMetrics(metrics *observability.Metrics) InvokerOption {
	return func(i *Invoker) {
		i.metrics = metrics
	}
}

// NewInvoker creates an Invoker.
func NewInvoker(cfg InvokerConfig, opts ...InvokerOption) (*Invoker, error) {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRPCTimeout
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if cfg.HandleCacheSize <= 0 {
		cfg.HandleCacheSize = DefaultHandleCacheSize
	}

	i := &Invoker{
		cfg:        cfg,
		pool:       semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		extractors: DefaultExtractors(),
		strategies: DefaultStrategies(),
		dialOpts:   []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(i)
	}

	handles, err := lru.NewWithEvict[string, *grpc.ClientConn](cfg.HandleCacheSize, i.closeHandle)
	if err != nil {
		return nil, fmt.Errorf("failed to create handle cache: %w", err)
	}
	i.handles = handles
	return i, nil
}

func (i *Invoker) closeHandle(key string, conn *grpc.ClientConn) {
	if err := conn.Close(); err != nil {
		i.logger.Debug("closing rpc handle failed",
			observability.String("handle", key),
			observability.Error(err),
		)
	}
}

// Invoke calls b with the parameters of req and wraps the result in a
// success envelope.
func (i *Invoker) Invoke(ctx context.Context, req *Request, b route.RPCBackend) (*Response, error) {
	params := ExtractParams(req, i.extractors, i.logger)

	strategy, ok := SelectStrategy(i.strategies, len(params))
	if !ok {
		return nil, util.NewConfigurationError(fmt.Sprintf("no invocation strategy for %d parameters", len(params)), nil)
	}
	arg, types, err := strategy.Build(params)
	if err != nil {
		return nil, util.NewRPCError("rpc invoke failed: "+err.Error(), err)
	}

	conn, err := i.handle(b)
	if err != nil {
		return nil, err
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = i.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := i.pool.Acquire(ctx, 1); err != nil {
		return nil, util.NewRPCError("rpc invoke failed: worker pool exhausted", err)
	}
	i.metrics.AddRPCPoolInUse(1)
	defer func() {
		i.pool.Release(1)
		i.metrics.AddRPCPoolInUse(-1)
	}()

	md := metadata.MD{}
	if b.Version != "" {
		md.Set(MetadataVersion, b.Version)
	}
	if b.Group != "" {
		md.Set(MetadataGroup, b.Group)
	}
	if len(types) > 0 {
		md.Set(MetadataParamTypes, strings.Join(types, ","))
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	i.logger.Debug("invoking rpc",
		observability.String("interface", b.Interface),
		observability.String("method", b.Method),
		observability.String("strategy", strategy.Name),
		observability.Int("params", len(params)),
	)

	reply := &structpb.Value{}
	if err := conn.Invoke(ctx, FullMethod(b), arg, reply); err != nil {
		return nil, util.NewRPCError("rpc invoke failed: "+status.Convert(err).Message(), err)
	}

	body, err := json.Marshal(util.SuccessEnvelope(reply.AsInterface()))
	if err != nil {
		return nil, util.NewRPCError("rpc invoke failed: "+err.Error(), err)
	}
	return jsonResponse(body), nil
}

// FullMethod is the gRPC method name for b.
func FullMethod(b route.RPCBackend) string {
	return "/" + b.Interface + "/" + b.Method
}

// handle returns the cached connection for b, dialing it on first use.
func (i *Invoker) handle(b route.RPCBackend) (*grpc.ClientConn, error) {
	key := b.HandleKey()
	if conn, ok := i.handles.Get(key); ok {
		return conn, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if conn, ok := i.handles.Get(key); ok {
		return conn, nil
	}

	target := i.cfg.Targets[b.Interface]
	if target == "" {
		target = i.cfg.DefaultTarget
	}
	if target == "" {
		return nil, util.NewConfigurationError(fmt.Sprintf("no rpc target for interface %s", b.Interface), nil)
	}

	conn, err := grpc.NewClient(target, i.dialOpts...)
	if err != nil {
		return nil, util.NewConfigurationError(fmt.Sprintf("invalid rpc target %q", target), err)
	}
	i.handles.Add(key, conn)
	i.logger.Info("rpc handle created",
		observability.String("handle", key),
		observability.String("target", target),
	)
	return conn, nil
}

// HandleCount returns the number of cached connections.
func (i *Invoker) HandleCount() int {
	return i.handles.Len()
}

// RemoveHandle closes and forgets the connection for b.
func (i *Invoker) RemoveHandle(b route.RPCBackend) bool {
	return i.handles.Remove(b.HandleKey())
}

// Close closes every cached connection.
func (i *Invoker) Close() error {
	i.handles.Purge()
	return nil
}
