// Package vectorstore implements the Vector Store Coordinator of spec
// §4.8: collection lifecycle, point upserts, filtered similarity
// search, and payload patching against Qdrant.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"

	pparrors "github.com/paparats/paparats/internal/errors"
)

// Config configures the Qdrant connection.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	return c
}

// Point is a single vector + payload to upsert, per spec §4.8.
type Point struct {
	ChunkID string
	Vector  []float32
	Payload map[string]any
}

// Hit is a single scored search result.
type Hit struct {
	Score   float32
	Payload map[string]any
}

// Filter is an AND of field-equality or any-of conditions, optionally
// extended by a caller-supplied Must list (spec §4.8's "search" filter
// contract).
type Filter struct {
	Equals map[string]string   // field -> exact value, ANDed
	AnyOf  map[string][]string // field -> any of these values, ANDed
	Must   []*qdrant.Condition // caller-supplied extra conditions, ANDed in verbatim
}

// Store is the Vector Store Coordinator. One collection per group.
type Store struct {
	client *qdrant.Client
	config Config
}

// Open connects to Qdrant. It does not create any collections; callers
// must call EnsureCollection per group before upserting.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   cfg.Host,
		Port:                   cfg.Port,
		APIKey:                 cfg.APIKey,
		UseTLS:                 cfg.UseTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, pparrors.UpstreamError("failed to create qdrant client", err)
	}
	return &Store{client: client, config: cfg}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func collectionName(group string) string {
	return "paparats_" + group
}

// EnsureCollection idempotently creates group's collection with cosine
// distance and keyword payload indices on "project" and "file" (spec
// §4.8).
func (s *Store) EnsureCollection(ctx context.Context, group string, dim int) error {
	name := collectionName(group)

	return withRetry(ctx, func() error {
		exists, err := s.client.CollectionExists(ctx, name)
		if err != nil {
			return pparrors.UpstreamError("failed to check collection existence", err)
		}
		if exists {
			return nil
		}

		if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return pparrors.UpstreamError(fmt.Sprintf("failed to create collection %s", name), err)
		}

		for _, field := range []string{"project", "file"} {
			if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			}); err != nil {
				return pparrors.UpstreamError(fmt.Sprintf("failed to create payload index on %s", field), err)
			}
		}
		return nil
	})
}

// PointID derives the stable deterministic point id spec §4.8
// requires: a UUID-shaped string hashed from chunk_id, since Qdrant
// point ids must be a u64 or a UUID, not an arbitrary string.
func PointID(chunkID string) string {
	sum := sha256.Sum256([]byte(chunkID))
	h := hex.EncodeToString(sum[:16])
	return fmt.Sprintf("%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32])
}

// Upsert writes points to group's collection.
func (s *Store) Upsert(ctx context.Context, group string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	name := collectionName(group)

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = &qdrant.PointStruct{
			Id: &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: PointID(p.ChunkID)}},
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: p.Vector}},
			},
			Payload: toQdrantPayload(p.Payload),
		}
	}

	return withRetry(ctx, func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Points:         qpoints,
		})
		if err != nil {
			return pparrors.UpstreamError("failed to upsert points", err)
		}
		return nil
	})
}

// Search runs a similarity search against group's collection. Per
// spec §4.8, an unknown collection is not an error — it is treated as
// "no points indexed yet" and returns an empty hit set.
func (s *Store) Search(ctx context.Context, group string, vector []float32, limit int, filter Filter) ([]Hit, error) {
	name := collectionName(group)
	if limit <= 0 {
		limit = 1
	}

	var hits []Hit
	err := withRetry(ctx, func() error {
		result, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         buildFilter(filter),
		})
		if err != nil {
			if isNotFoundErr(err) {
				hits = []Hit{}
				return nil
			}
			return pparrors.UpstreamError("failed to search", err)
		}
		hits = make([]Hit, len(result))
		for i, p := range result {
			hits[i] = Hit{Score: p.GetScore(), Payload: fromQdrantPayload(p.GetPayload())}
		}
		return nil
	})
	return hits, err
}

// DeleteByFilter removes every point matching filter from group's
// collection.
func (s *Store) DeleteByFilter(ctx context.Context, group string, filter Filter) error {
	name := collectionName(group)
	qf := buildFilter(filter)
	if qf == nil {
		return pparrors.InputError("delete_by_filter requires a non-empty filter", nil)
	}

	return withRetry(ctx, func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: qf},
			},
		})
		if err != nil {
			if isNotFoundErr(err) {
				return nil
			}
			return pparrors.UpstreamError("failed to delete by filter", err)
		}
		return nil
	})
}

// ScrollByFilter iterates all payloads matching filter in group's
// collection.
func (s *Store) ScrollByFilter(ctx context.Context, group string, filter Filter) ([]map[string]any, error) {
	name := collectionName(group)

	var payloads []map[string]any
	err := withRetry(ctx, func() error {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: name,
			Filter:         buildFilter(filter),
			Limit:          qdrant.PtrOf(uint32(10000)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			if isNotFoundErr(err) {
				payloads = []map[string]any{}
				return nil
			}
			return pparrors.UpstreamError("failed to scroll", err)
		}
		payloads = make([]map[string]any, len(points))
		for i, p := range points {
			payloads[i] = fromQdrantPayload(p.GetPayload())
		}
		return nil
	})
	return payloads, err
}

// SetPayload merges patch into the payload of the point addressed by
// chunkID.
func (s *Store) SetPayload(ctx context.Context, group, chunkID string, patch map[string]any) error {
	name := collectionName(group)
	pointID := &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: PointID(chunkID)}}

	return withRetry(ctx, func() error {
		_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: name,
			Payload:        toQdrantPayload(patch),
			PointsSelector: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{pointID}},
				},
			},
		})
		if err != nil {
			if isNotFoundErr(err) {
				return pparrors.NotFoundError(fmt.Sprintf("point for chunk %s not found", chunkID), err)
			}
			return pparrors.UpstreamError("failed to set payload", err)
		}
		return nil
	})
}

// DeleteCollection drops group's entire collection.
func (s *Store) DeleteCollection(ctx context.Context, group string) error {
	name := collectionName(group)
	return withRetry(ctx, func() error {
		err := s.client.DeleteCollection(ctx, name)
		if err != nil {
			if isNotFoundErr(err) {
				return nil
			}
			return pparrors.UpstreamError(fmt.Sprintf("failed to delete collection %s", name), err)
		}
		return nil
	})
}

// ListCollections returns every group collection's name, with the
// "paparats_" prefix stripped back to the bare group name.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	var groups []string
	err := withRetry(ctx, func() error {
		names, err := s.client.ListCollections(ctx)
		if err != nil {
			return pparrors.UpstreamError("failed to list collections", err)
		}
		groups = groups[:0]
		for _, n := range names {
			if group, ok := strings.CutPrefix(n, "paparats_"); ok {
				groups = append(groups, group)
			}
		}
		return nil
	})
	return groups, err
}

func buildFilter(f Filter) *qdrant.Filter {
	var conditions []*qdrant.Condition
	for field, value := range f.Equals {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   field,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
				},
			},
		})
	}
	for field, values := range f.AnyOf {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: field,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keywords{Keywords: &qdrant.RepeatedStrings{Strings: values}},
					},
				},
			},
		})
	}
	conditions = append(conditions, f.Must...)

	if len(conditions) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: conditions}
}

func toQdrantPayload(m map[string]any) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(m))
	for k, v := range m {
		payload[k] = toQdrantValue(v)
	}
	return payload
}

func toQdrantValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	case []string:
		values := make([]*qdrant.Value, len(val))
		for i, s := range val {
			values[i] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch kind := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			out[k] = kind.StringValue
		case *qdrant.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *qdrant.Value_BoolValue:
			out[k] = kind.BoolValue
		case *qdrant.Value_ListValue:
			items := make([]string, len(kind.ListValue.Values))
			for i, item := range kind.ListValue.Values {
				items[i] = item.GetStringValue()
			}
			out[k] = items
		}
	}
	return out
}

func isNotFoundErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not found") ||
		strings.Contains(strings.ToLower(err.Error()), "doesn't exist") ||
		strings.Contains(strings.ToLower(err.Error()), "doesn't exists")
}

// withRetry retries fn up to 3 times with exponential backoff
// (1s/2s/4s), per spec §4.8. A "not found" error short-circuits retry
// since it is an expected, non-transient state.
func withRetry(ctx context.Context, fn func() error) error {
	delay := time.Second
	var lastErr error
	for attempt := 0; attempt <= 3; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if isNotFoundErr(err) || pparrors.IsNotFound(err) {
			return err
		}
		lastErr = err
		if attempt >= 3 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
