package qdrant

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// GRPCClient implements Client over Qdrant's gRPC API.
type GRPCClient struct {
	client *qdrant.Client
	config *ClientConfig
	logger *logging.Logger
}

// ClientConfig configures the gRPC connection.
type ClientConfig struct {
	// Host and Port address the gRPC listener (6334), not REST (6333).
	Host   string
	Port   int
	UseTLS bool
	APIKey string

	// MaxMessageSize bounds gRPC messages in both directions.
	MaxMessageSize int

	// DialTimeout bounds the startup health check.
	DialTimeout time.Duration

	// RequestTimeout bounds each operation including its retries.
	RequestTimeout time.Duration

	// RetryAttempts is the number of retries after the first try for
	// transient failures.
	RetryAttempts int

	// RetryBackoff is the first retry delay; it doubles per retry.
	RetryBackoff time.Duration
}

// DefaultClientConfig returns defaults for a local Qdrant.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Host:           "localhost",
		Port:           6334,
		MaxMessageSize: 50 * 1024 * 1024,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
		RetryAttempts:  3,
		RetryBackoff:   time.Second,
	}
}

// ApplyDefaults fills unset fields.
func (c *ClientConfig) ApplyDefaults() {
	d := DefaultClientConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
}

// Validate checks the configuration.
func (c *ClientConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid max message size: %d (must be > 0)", c.MaxMessageSize)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("invalid retry attempts: %d (must be >= 0)", c.RetryAttempts)
	}
	return nil
}

// NewGRPCClient connects and health-checks Qdrant. A failed health check
// returns an error wrapping ErrUnavailable.
func NewGRPCClient(ctx context.Context, config *ClientConfig, logger *logging.Logger) (*GRPCClient, error) {
	if config == nil {
		config = DefaultClientConfig()
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	qcfg := &qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	}
	if !config.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: creating client: %w", ErrUnavailable, err)
	}
	c := &GRPCClient{client: client, config: config, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()

	logger.Info(hctx, "connecting to qdrant", zap.String("host", config.Host), zap.Int("port", config.Port))
	if err := c.Health(hctx); err != nil {
		_ = client.Close()
		logger.Error(hctx, "qdrant health check failed",
			zap.String("host", config.Host),
			zap.Int("port", config.Port),
			zap.Error(err))
		return nil, err
	}
	logger.Info(hctx, "qdrant connection established", zap.String("host", config.Host), zap.Int("port", config.Port))
	return c, nil
}

// Health checks the server.
func (c *GRPCClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	if _, err := c.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: health check: %w", ErrUnavailable, err)
	}
	return nil
}

// CreateCollection creates a collection with a single dense vector.
func (c *GRPCClient) CreateCollection(ctx context.Context, name string, vectorSize uint64, distance Distance) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	d, err := toQdrantDistance(distance)
	if err != nil {
		return err
	}
	return c.retryOperation(ctx, func() error {
		return c.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     vectorSize,
				Distance: d,
			}),
		})
	})
}

// DeleteCollection drops a collection and its points.
func (c *GRPCClient) DeleteCollection(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	return c.retryOperation(ctx, func() error {
		return c.client.DeleteCollection(ctx, name)
	})
}

// CollectionInfo reads the vector size and point count of a collection.
func (c *GRPCClient) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var out *CollectionInfo
	err := c.retryOperation(ctx, func() error {
		info, err := c.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return err
		}
		out = &CollectionInfo{
			Name:       name,
			VectorSize: info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize(),
			Points:     info.GetPointsCount(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListCollections returns all collection names.
func (c *GRPCClient) ListCollections(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var names []string
	err := c.retryOperation(ctx, func() error {
		res, err := c.client.ListCollections(ctx)
		names = res
		return err
	})
	return names, err
}

// Upsert writes points and waits for the write to be applied.
func (c *GRPCClient) Upsert(ctx context.Context, collection string, points []*Point) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = toQdrantPoint(p)
	}
	return c.retryOperation(ctx, func() error {
		_, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qpoints,
		})
		return err
	})
}

// Search runs a filtered nearest-neighbour query. Hits come back sorted
// by descending score.
func (c *GRPCClient) Search(ctx context.Context, collection string, req SearchRequest) ([]*ScoredPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	query := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(req.Vector...),
		Limit:          qdrant.PtrOf(req.Limit),
		ScoreThreshold: req.ScoreThreshold,
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         toQdrantFilter(req.Filter),
	}

	var res []*qdrant.ScoredPoint
	err := c.retryOperation(ctx, func() error {
		var err error
		res, err = c.client.Query(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]*ScoredPoint, len(res))
	for i, p := range res {
		out[i] = &ScoredPoint{
			Point: Point{
				ID:      pointID(p.GetId()),
				Vector:  denseVector(p.GetVectors()),
				Payload: fromQdrantPayload(p.GetPayload()),
			},
			Score: p.GetScore(),
		}
	}
	return out, nil
}

// Get fetches points by UUID with vectors and payload.
func (c *GRPCClient) Get(ctx context.Context, collection string, ids []string) ([]*Point, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var res []*qdrant.RetrievedPoint
	err := c.retryOperation(ctx, func() error {
		var err error
		res, err = c.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            toPointIDs(ids),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Point, len(res))
	for i, p := range res {
		out[i] = &Point{
			ID:      pointID(p.GetId()),
			Vector:  denseVector(p.GetVectors()),
			Payload: fromQdrantPayload(p.GetPayload()),
		}
	}
	return out, nil
}

// Delete removes points by UUID. Absent ids are ignored by Qdrant.
func (c *GRPCClient) Delete(ctx context.Context, collection string, ids []string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	return c.retryOperation(ctx, func() error {
		_, err := c.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: toPointIDs(ids)},
				},
			},
		})
		return err
	})
}

// Close closes the connection.
func (c *GRPCClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// retryOperation retries transient failures with exponential backoff.
// Exhausted transient failures wrap ErrUnavailable; gRPC NotFound wraps
// ErrNotFound.
func (c *GRPCClient) retryOperation(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := c.config.RetryBackoff
	start := time.Now()

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				c.logger.Info(ctx, "operation recovered after retries",
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(start)))
			}
			return nil
		}
		lastErr = err

		if !isTransientError(err) {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: %w", ErrNotFound, err)
			}
			return err
		}
		if attempt == c.config.RetryAttempts {
			break
		}

		c.logger.Debug(ctx, "retrying operation after transient error",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.config.RetryAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	c.logger.Warn(ctx, "operation failed after all retries exhausted",
		zap.Int("total_attempts", c.config.RetryAttempts+1),
		zap.Duration("total_time", time.Since(start)),
		zap.Error(lastErr))

	return fmt.Errorf("%w: after %d retries: %w", ErrUnavailable, c.config.RetryAttempts, lastErr)
}

func isTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func toQdrantDistance(d Distance) (qdrant.Distance, error) {
	switch d {
	case DistanceCosine, "":
		return qdrant.Distance_Cosine, nil
	case DistanceDot:
		return qdrant.Distance_Dot, nil
	case DistanceEuclidean:
		return qdrant.Distance_Euclid, nil
	default:
		return 0, fmt.Errorf("unsupported distance %q", d)
	}
}

var _ Client = (*GRPCClient)(nil)
