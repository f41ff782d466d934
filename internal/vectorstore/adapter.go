// Package vectorstore provides a narrow typed facade over Qdrant.
//
// The adapter owns collection lifecycle, batched upserts, filtered deletes,
// vector search, paginated scrolls, and payload indexes. It caches which
// collections exist and their vector sizes so the hot indexing path skips
// redundant lookups.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"
)

var (
	// ErrCollectionNotFound reports an operation against a collection that
	// does not exist on the server.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrVectorSizeMismatch reports an existing collection whose configured
	// vector size differs from the caller's.
	ErrVectorSizeMismatch = errors.New("collection vector size mismatch")
)

const (
	// upsertBatch bounds points per upsert request.
	upsertBatch = 500

	// scrollPage is the server-side page size for scrolls.
	scrollPage = 1000

	// maxRetries bounds retries of transient upsert/delete failures.
	maxRetries = 2

	retryBaseDelay = 500 * time.Millisecond
)

// Point is a vector point with its payload, ready for upsert.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// ScrolledPoint is a point returned by a scroll, optionally with its vector.
type ScrolledPoint struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScrollOptions controls a paginated scroll.
type ScrollOptions struct {
	Filter      *qdrant.Filter
	WithPayload []string // payload keys to include; nil includes all
	WithVector  bool
}

// SearchOptions controls a vector search.
type SearchOptions struct {
	Filter      *qdrant.Filter
	WithPayload bool
}

// Adapter wraps a Qdrant client with idempotent collection management and
// bounded retries. Safe for concurrent use; shared across indexing runs.
type Adapter struct {
	client *qdrant.Client
	logger zerolog.Logger

	// vectorSizes doubles as the known-collection set; entries are added on
	// ensure and removed only on explicit delete.
	mu          sync.Mutex
	vectorSizes map[string]uint64
}

// New creates an Adapter over an established Qdrant client.
func New(client *qdrant.Client, logger zerolog.Logger) *Adapter {
	return &Adapter{
		client:      client,
		logger:      logger.With().Str("component", "vectorstore").Logger(),
		vectorSizes: make(map[string]uint64),
	}
}

// Connect dials Qdrant and wraps it in an Adapter.
func Connect(host string, port int, apiKey string, useTLS bool, logger zerolog.Logger) (*Adapter, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	return New(client, logger), nil
}

// Close releases the underlying connection.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// BuildSizedCollectionName appends the vector size to a base collection name
// so collections for different embedding dimensions never collide.
func BuildSizedCollectionName(base string, vectorSize int) string {
	return fmt.Sprintf("%s_%d", base, vectorSize)
}

// EnsureCollection creates the collection if absent. An existing collection
// with a different vector size fails with ErrVectorSizeMismatch.
func (a *Adapter) EnsureCollection(ctx context.Context, name string, vectorSize uint64) error {
	a.mu.Lock()
	knownSize, cached := a.vectorSizes[name]
	a.mu.Unlock()
	if cached {
		if knownSize != vectorSize {
			return fmt.Errorf("%w: collection %s has size %d, want %d",
				ErrVectorSizeMismatch, name, knownSize, vectorSize)
		}
		return nil
	}

	exists, err := a.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		info, err := a.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return fmt.Errorf("inspect collection %s: %w", name, err)
		}
		existing := collectionVectorSize(info)
		if existing != 0 && existing != vectorSize {
			return fmt.Errorf("%w: collection %s has size %d, want %d",
				ErrVectorSizeMismatch, name, existing, vectorSize)
		}
		a.remember(name, vectorSize)
		return nil
	}

	err = a.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !IsAlreadyExists(err) {
		return fmt.Errorf("create collection %s: %w", name, err)
	}

	a.remember(name, vectorSize)
	a.logger.Info().Str("collection", name).Uint64("vector_size", vectorSize).Msg("Collection created")
	return nil
}

// Upsert writes points in batches, creating the collection from the first
// point's vector size if needed. Transient failures are retried.
func (a *Adapter) Upsert(ctx context.Context, name string, points []Point, wait bool) error {
	if len(points) == 0 {
		return nil
	}
	if err := a.EnsureCollection(ctx, name, uint64(len(points[0].Vector))); err != nil {
		return err
	}

	for start := 0; start < len(points); start += upsertBatch {
		end := start + upsertBatch
		if end > len(points) {
			end = len(points)
		}
		batch := make([]*qdrant.PointStruct, 0, end-start)
		for _, p := range points[start:end] {
			batch = append(batch, &qdrant.PointStruct{
				Id:      qdrant.NewID(p.ID),
				Vectors: qdrant.NewVectors(p.Vector...),
				Payload: qdrant.NewValueMap(p.Payload),
			})
		}
		err := a.withRetry(ctx, "upsert", func() error {
			_, err := a.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: name,
				Points:         batch,
				Wait:           &wait,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("upsert %d points into %s: %w", end-start, name, err)
		}
	}
	return nil
}

// DeleteByFilter removes all points matching filter. A missing collection is
// a no-op.
func (a *Adapter) DeleteByFilter(ctx context.Context, name string, filter *qdrant.Filter, wait bool) error {
	err := a.withRetry(ctx, "delete", func() error {
		_, err := a.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
			},
			Wait: &wait,
		})
		return err
	})
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete from %s: %w", name, err)
	}
	return nil
}

// Search runs a vector query, returning scored points.
func (a *Adapter) Search(ctx context.Context, name string, vector []float32, limit uint64, opts SearchOptions) ([]ScoredPoint, error) {
	results, err := a.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		Filter:         opts.Filter,
		WithPayload:    qdrant.NewWithPayload(opts.WithPayload),
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}
		return nil, fmt.Errorf("search %s: %w", name, err)
	}

	hits := make([]ScoredPoint, 0, len(results))
	for _, r := range results {
		hits = append(hits, ScoredPoint{
			ID:      pointIDString(r.Id),
			Score:   r.Score,
			Payload: payloadToMap(r.Payload),
		})
	}
	return hits, nil
}

// ScrollAll pages through every point matching opts, invoking fn per point.
// fn returning false stops the scroll early. A missing collection yields
// zero points.
func (a *Adapter) ScrollAll(ctx context.Context, name string, opts ScrollOptions, fn func(ScrolledPoint) bool) error {
	limit := uint32(scrollPage)
	withPayload := qdrant.NewWithPayload(true)
	if opts.WithPayload != nil {
		withPayload = qdrant.NewWithPayloadInclude(opts.WithPayload...)
	}

	var offset *qdrant.PointId
	for {
		resp, err := a.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: name,
			Filter:         opts.Filter,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    withPayload,
			WithVectors:    qdrant.NewWithVectors(opts.WithVector),
		})
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("scroll %s: %w", name, err)
		}

		for _, p := range resp.GetResult() {
			point := ScrolledPoint{
				ID:      pointIDString(p.Id),
				Payload: payloadToMap(p.Payload),
			}
			if opts.WithVector {
				point.Vector = p.GetVectors().GetVector().GetData()
			}
			if !fn(point) {
				return nil
			}
		}

		offset = resp.GetNextPageOffset()
		if offset == nil {
			return nil
		}
	}
}

// EnsurePayloadIndex creates a keyword payload index on field, tolerating
// indexes that already exist.
func (a *Adapter) EnsurePayloadIndex(ctx context.Context, name, field string) error {
	wait := true
	_, err := a.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      field,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		Wait:           &wait,
	})
	if err != nil && !IsAlreadyExists(err) {
		return fmt.Errorf("create payload index %s.%s: %w", name, field, err)
	}
	return nil
}

// DeleteCollection drops the collection and invalidates the caches.
func (a *Adapter) DeleteCollection(ctx context.Context, name string) error {
	err := a.client.DeleteCollection(ctx, name)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	a.mu.Lock()
	delete(a.vectorSizes, name)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) remember(name string, vectorSize uint64) {
	a.mu.Lock()
	a.vectorSizes[name] = vectorSize
	a.mu.Unlock()
}

func (a *Adapter) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || attempt >= maxRetries || !IsTransient(err) {
			return err
		}
		delay := retryBaseDelay << attempt
		a.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).
			Dur("backoff", delay).Msg("Transient vector store error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// MustMatch builds a filter requiring every key to equal its value.
func MustMatch(pairs ...KV) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(pairs))
	for _, kv := range pairs {
		conditions = append(conditions, qdrant.NewMatch(kv.Key, kv.Value))
	}
	return &qdrant.Filter{Must: conditions}
}

// ShouldMatchAny builds an OR filter over the conditions, scoped by the
// required must conditions.
func ShouldMatchAny(must []KV, should []KV) *qdrant.Filter {
	f := MustMatch(must...)
	for _, kv := range should {
		f.Should = append(f.Should, qdrant.NewMatch(kv.Key, kv.Value))
	}
	return f
}

// KV is a payload key with its expected keyword value.
type KV struct {
	Key   string
	Value string
}

// Collection-not-found classification is scoped to Qdrant's phrasing so an
// unrelated "not found" (say, in a payload value) never matches.
var notFoundPattern = regexp.MustCompile(`(?i)collection.*(not found|doesn't exist|does not exist)`)

// IsNotFound reports whether err is Qdrant's collection-missing error.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCollectionNotFound) {
		return true
	}
	msg := err.Error()
	if notFoundPattern.MatchString(msg) {
		return true
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "notfound") && strings.Contains(lower, "collection")
}

// IsAlreadyExists reports idempotent-creation conflicts.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "already exists") || strings.Contains(lower, "alreadyexists")
}

// IsTransient reports network-level failures worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{
		"unavailable",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"transport",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func collectionVectorSize(info *qdrant.CollectionInfo) uint64 {
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return 0
	}
	return params.GetSize()
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return nil
	}
}
