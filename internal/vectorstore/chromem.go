package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("recalld.vectorstore.chromem")

const (
	// jsonKeysField lists the payload keys whose values were JSON-encoded.
	jsonKeysField = "__json_keys"

	manifestFile = "collections.json"
)

// ChromemConfig configures the embedded index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// collectionSpec is what a collection was created with.
type collectionSpec struct {
	Dimension int    `json:"dimension"`
	Metric    Metric `json:"metric"`
}

// ChromemIndex implements Index with an embedded chromem-go database.
//
// Payload values are stored as strings; non-string values are
// JSON-encoded and decoded again on read. chromem normalizes vectors on
// insert, so only cosine similarity is supported.
type ChromemIndex struct {
	db     *chromem.DB
	config ChromemConfig
	logger *logging.Logger

	mu         sync.RWMutex
	manifest   map[string]collectionSpec
	collection *chromem.Collection
	dimension  int
}

// NewChromemIndex opens or creates the database at config.Path.
func NewChromemIndex(config ChromemConfig, logger *logging.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	idx := &ChromemIndex{config: config, logger: logger, manifest: map[string]collectionSpec{}}
	if config.Path == "" {
		idx.db = chromem.NewDB()
		return idx, nil
	}

	if err := os.MkdirAll(config.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
	}
	db, err := chromem.NewPersistentDB(config.Path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: opening chromem DB: %w", ErrIndexUnavailable, err)
	}
	idx.db = db

	if err := idx.loadManifest(); err != nil {
		return nil, err
	}

	logger.Info(context.Background(), "chromem index opened",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress))
	return idx, nil
}

// noEmbedding is installed on every collection. Vectors always come from
// the caller; chromem must never embed text itself.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem index stores precomputed vectors only")
}

// EnsureCollection implements Index.
func (c *ChromemIndex) EnsureCollection(ctx context.Context, name string, dimension int, metric Metric) error {
	_, span := chromemTracer.Start(ctx, "ChromemIndex.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("dimension", dimension))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dimension)
	}
	if metric == "" {
		metric = MetricCosine
	}
	if metric != MetricCosine {
		return fmt.Errorf("%w: chromem supports only cosine, got %q", ErrInvalidConfig, metric)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if spec, ok := c.manifest[name]; ok && spec.Dimension != dimension {
		span.SetStatus(codes.Error, "dimension mismatch")
		return fmt.Errorf("%w: collection %q has dimension %d, expected %d",
			ErrDimensionMismatch, name, spec.Dimension, dimension)
	}

	meta := map[string]string{
		"dimension": strconv.Itoa(dimension),
		"metric":    string(metric),
	}
	col, err := c.db.GetOrCreateCollection(name, meta, noEmbedding)
	if err != nil {
		return fmt.Errorf("%w: getting collection %s: %w", ErrIndexUnavailable, name, err)
	}

	if _, ok := c.manifest[name]; !ok {
		c.manifest[name] = collectionSpec{Dimension: dimension, Metric: metric}
		if err := c.saveManifest(); err != nil {
			return err
		}
	}

	c.collection = col
	c.dimension = dimension
	return nil
}

func (c *ChromemIndex) bound() (*chromem.Collection, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.collection == nil {
		return nil, 0, ErrCollectionNotBound
	}
	return c.collection, c.dimension, nil
}

// Upsert implements Index.
func (c *ChromemIndex) Upsert(ctx context.Context, id string, vector []float32, payload map[string]interface{}) (string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()

	col, dim, err := c.bound()
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := checkVector(vector, dim); err != nil {
		return "", err
	}
	if err := ValidatePayload(payload); err != nil {
		return "", err
	}
	meta, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	start := time.Now()
	err = col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Metadata:  meta,
		Embedding: slices.Clone(vector),
	})
	observe("chromem", "upsert", start, err)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("adding document %s: %w", id, err)
	}
	return id, nil
}

// Search implements Index.
func (c *ChromemIndex) Search(ctx context.Context, vector []float32, limit int, scoreThreshold float32, filter Filter) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	col, dim, err := c.bound()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if err := checkVector(vector, dim); err != nil {
		return nil, err
	}

	// chromem requires nResults <= document count.
	count := col.Count()
	if count == 0 {
		return []Hit{}, nil
	}
	n := min(limit, count)

	var where map[string]string
	if len(filter) > 0 {
		where = map[string]string(filter)
	}

	start := time.Now()
	results, err := col.QueryEmbedding(ctx, slices.Clone(vector), n, where, nil)
	observe("chromem", "search", start, err)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if r.Similarity < scoreThreshold {
			continue
		}
		payload, err := decodePayload(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("decoding payload of %s: %w", r.ID, err)
		}
		hits = append(hits, Hit{ID: r.ID, Score: r.Similarity, Payload: payload})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Retrieve implements Index.
func (c *ChromemIndex) Retrieve(ctx context.Context, id string) (*Point, error) {
	col, _, err := c.bound()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}

	start := time.Now()
	doc, err := col.GetByID(ctx, id)
	observe("chromem", "retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	payload, err := decodePayload(doc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("decoding payload of %s: %w", id, err)
	}
	return &Point{ID: doc.ID, Vector: doc.Embedding, Payload: payload}, nil
}

// Delete implements Index.
func (c *ChromemIndex) Delete(ctx context.Context, id string) error {
	if _, err := c.Retrieve(ctx, id); err != nil {
		return err
	}
	col, _, err := c.bound()
	if err != nil {
		return err
	}

	start := time.Now()
	err = col.Delete(ctx, nil, nil, id)
	observe("chromem", "delete", start, err)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return nil
}

// Health implements Index. The embedded database is healthy once open.
func (c *ChromemIndex) Health(context.Context) error {
	if c.db == nil {
		return fmt.Errorf("%w: database not open", ErrIndexUnavailable)
	}
	return nil
}

// Close implements Index. chromem persists on every write.
func (c *ChromemIndex) Close() error {
	c.logger.Info(context.Background(), "chromem index closed")
	return nil
}

func (c *ChromemIndex) loadManifest() error {
	data, err := os.ReadFile(filepath.Join(c.config.Path, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading collection manifest: %w", err)
	}
	if err := json.Unmarshal(data, &c.manifest); err != nil {
		return fmt.Errorf("parsing collection manifest: %w", err)
	}
	return nil
}

func (c *ChromemIndex) saveManifest() error {
	if c.config.Path == "" {
		return nil
	}
	data, err := json.MarshalIndent(c.manifest, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(c.config.Path, manifestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing collection manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

func encodePayload(payload map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(payload)+1)
	var jsonKeys []string
	for k, v := range payload {
		if k == jsonKeysField {
			return nil, fmt.Errorf("%w: reserved key %q", ErrInvalidPayload, k)
		}
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding %q: %w", ErrInvalidPayload, k, err)
		}
		out[k] = string(b)
		jsonKeys = append(jsonKeys, k)
	}
	if len(jsonKeys) > 0 {
		sort.Strings(jsonKeys)
		out[jsonKeysField] = strings.Join(jsonKeys, ",")
	}
	return out, nil
}

func decodePayload(meta map[string]string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(meta))
	encoded := map[string]bool{}
	if keys := meta[jsonKeysField]; keys != "" {
		for _, k := range strings.Split(keys, ",") {
			encoded[k] = true
		}
	}
	for k, v := range meta {
		if k == jsonKeysField {
			continue
		}
		if !encoded[k] {
			out[k] = v
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = decoded
	}
	return out, nil
}

var _ Index = (*ChromemIndex)(nil)
