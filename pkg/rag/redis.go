package rag

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/redis/go-redis/v9"
)

const (
	textField   = "text"
	vectorField = "embedding"
	scoreField  = "vscore"
)

// RedisStore keeps each index as a RediSearch index over hashes prefixed with
// the index name.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisClient connects to Redis Stack. RESP2 keeps FT.SEARCH replies flat.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		Protocol: 2,
	})
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func docKey(index, id string) string {
	return index + ":" + id
}

func (r *RedisStore) EnsureIndex(ctx context.Context, index string, dim int) error {
	err := r.client.Do(ctx, "FT.INFO", index).Err()
	if err == nil {
		return nil
	}
	if !isUnknownIndex(err) {
		return fmt.Errorf("%w: redis FT.INFO %s: %v", apperrors.ErrUpstream, index, err)
	}

	err = r.client.Do(ctx, "FT.CREATE", index,
		"ON", "HASH",
		"PREFIX", "1", index+":",
		"SCHEMA",
		textField, "TEXT",
		vectorField, "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(dim),
		"DISTANCE_METRIC", "COSINE",
	).Err()
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "index already exists") {
		return fmt.Errorf("%w: redis FT.CREATE %s: %v", apperrors.ErrUpstream, index, err)
	}
	return nil
}

func (r *RedisStore) Add(ctx context.Context, index string, docs []Document) error {
	pipe := r.client.Pipeline()
	for _, doc := range docs {
		pipe.HSet(ctx, docKey(index, doc.ID), textField, doc.Text, vectorField, vectorBytes(doc.Embedding))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis pipeline: %v", apperrors.ErrUpstream, err)
	}
	return nil
}

func (r *RedisStore) KeywordSearch(ctx context.Context, index, query string, k int) ([]Hit, error) {
	q := keywordQuery(query)
	if q == "" {
		return nil, nil
	}
	reply, err := r.client.Do(ctx, "FT.SEARCH", index, q,
		"RETURN", "1", textField,
		"LIMIT", "0", strconv.Itoa(k),
		"DIALECT", "2",
	).Result()
	if err != nil {
		return nil, searchError(index, err)
	}
	return parseSearchReply(index, reply)
}

func (r *RedisStore) VectorSearch(ctx context.Context, index string, vector []float32, k int) ([]Hit, error) {
	q := fmt.Sprintf("*=>[KNN %d @%s $vec AS %s]", k, vectorField, scoreField)
	reply, err := r.client.Do(ctx, "FT.SEARCH", index, q,
		"PARAMS", "2", "vec", vectorBytes(vector),
		"SORTBY", scoreField,
		"RETURN", "2", textField, scoreField,
		"LIMIT", "0", strconv.Itoa(k),
		"DIALECT", "2",
	).Result()
	if err != nil {
		return nil, searchError(index, err)
	}
	return parseSearchReply(index, reply)
}

func isUnknownIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index") || strings.Contains(msg, "no such index") || strings.Contains(msg, "not found")
}

func searchError(index string, err error) error {
	if isUnknownIndex(err) {
		return fmt.Errorf("%w: index %s", apperrors.ErrNotFound, index)
	}
	return fmt.Errorf("%w: redis FT.SEARCH %s: %v", apperrors.ErrUpstream, index, err)
}

// keywordQuery ORs the alphanumeric terms of query over the text field.
func keywordQuery(query string) string {
	terms := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(terms) == 0 {
		return ""
	}
	return "@" + textField + ":(" + strings.Join(terms, "|") + ")"
}

// vectorBytes encodes v as little-endian FLOAT32, the layout RediSearch expects.
func vectorBytes(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// parseSearchReply reads a RESP2 FT.SEARCH reply:
// [total, key1, [field, value, ...], key2, [...], ...].
func parseSearchReply(index string, reply any) ([]Hit, error) {
	items, ok := reply.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("%w: unexpected FT.SEARCH reply %T", apperrors.ErrUpstream, reply)
	}

	hits := make([]Hit, 0, (len(items)-1)/2)
	for i := 1; i+1 < len(items); i += 2 {
		key, ok := items[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected document key %T", apperrors.ErrUpstream, items[i])
		}
		fields, ok := items[i+1].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected document fields %T", apperrors.ErrUpstream, items[i+1])
		}

		hit := Hit{ID: strings.TrimPrefix(key, index+":")}
		for j := 0; j+1 < len(fields); j += 2 {
			name, _ := fields[j].(string)
			value, _ := fields[j+1].(string)
			switch name {
			case textField:
				hit.Text = value
			case scoreField:
				if d, err := strconv.ParseFloat(value, 64); err == nil {
					hit.Score = 1 - d
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
