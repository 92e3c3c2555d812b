package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	backend "github.com/redis/go-redis/v9"
)

// Redis is a Journal stored in Redis under a key prefix:
//
//	<prefix>commits          hash   seq -> commit JSON
//	<prefix>seqs             zset   seq scored by seq
//	<prefix>digest:<digest>  zset   seqs that reached digest
type Redis struct {
	client *backend.Client
	prefix string
	owned  bool
}

var _ Journal = (*Redis)(nil)

// RedisOption configures a Redis journal.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix. Default: "sift:journal:".
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis connects to the Redis server at address. The journal owns the
// connection and closes it on Close.
func NewRedis(address, password string, db int, opts ...RedisOption) *Redis {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	r := NewRedisFromClient(client, opts...)
	r.owned = true
	return r
}

// NewRedisFromClient creates a journal on an existing client. Close leaves
// the client open.
func NewRedisFromClient(client *backend.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "sift:journal:"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) commitsKey() string { return r.prefix + "commits" }
func (r *Redis) seqsKey() string    { return r.prefix + "seqs" }

func (r *Redis) digestKey(digest string) string {
	return r.prefix + "digest:" + digest
}

// appendScript writes a commit and both of its index entries in one
// step. It returns 0 without writing anything when the seq is taken.
//
//	KEYS: commits hash, seqs zset, digest zset
//	ARGV: seq, commit JSON
var appendScript = backend.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[1], ARGV[1])
return 1
`)

// Append stores c. Only the first append of a seq wins. Appending a seq
// that is already stored re-adds its index entries from the stored
// commit, which repairs a journal whose indexes were lost.
func (r *Redis) Append(ctx context.Context, c Commit) error {
	data, err := encodeCommit(c)
	if err != nil {
		return fmt.Errorf("append commit %d: %w", c.Seq, err)
	}
	field := strconv.FormatInt(c.Seq, 10)

	keys := []string{r.commitsKey(), r.seqsKey(), r.digestKey(c.Digest)}
	added, err := appendScript.Run(ctx, r.client, keys, field, data).Int()
	if err != nil {
		return fmt.Errorf("append commit %d: %w", c.Seq, err)
	}
	if added == 1 {
		return nil
	}

	stored, err := r.Get(ctx, c.Seq)
	if err != nil {
		return fmt.Errorf("append commit %d: %w", c.Seq, err)
	}
	pipe := r.client.TxPipeline()
	member := backend.Z{Score: float64(stored.Seq), Member: field}
	pipe.ZAdd(ctx, r.seqsKey(), member)
	pipe.ZAdd(ctx, r.digestKey(stored.Digest), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index commit %d: %w", c.Seq, err)
	}
	return nil
}

// Get returns the commit with the given seq.
func (r *Redis) Get(ctx context.Context, seq int64) (Commit, error) {
	val, err := r.client.HGet(ctx, r.commitsKey(), strconv.FormatInt(seq, 10)).Result()
	if errors.Is(err, backend.Nil) {
		return Commit{}, fmt.Errorf("get commit %d: %w", seq, ErrNotFound)
	}
	if err != nil {
		return Commit{}, fmt.Errorf("get commit %d: %w", seq, err)
	}
	return decodeCommit(val)
}

// Latest returns the commit with the highest seq.
func (r *Redis) Latest(ctx context.Context) (Commit, error) {
	seqs, err := r.client.ZRevRange(ctx, r.seqsKey(), 0, 0).Result()
	if err != nil {
		return Commit{}, fmt.Errorf("latest commit: %w", err)
	}
	if len(seqs) == 0 {
		return Commit{}, fmt.Errorf("latest commit: %w", ErrNotFound)
	}
	seq, err := strconv.ParseInt(seqs[0], 10, 64)
	if err != nil {
		return Commit{}, fmt.Errorf("latest commit: %w", err)
	}
	return r.Get(ctx, seq)
}

// List returns up to limit commits starting at seq from, in seq order.
func (r *Redis) List(ctx context.Context, from int64, limit int) ([]Commit, error) {
	by := &backend.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: "+inf",
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	seqs, err := r.client.ZRangeByScore(ctx, r.seqsKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	if len(seqs) == 0 {
		return nil, nil
	}

	vals, err := r.client.HMGet(ctx, r.commitsKey(), seqs...).Result()
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	out := make([]Commit, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("list commits: seq %s indexed but missing", seqs[i])
		}
		c, err := decodeCommit(s)
		if err != nil {
			return nil, fmt.Errorf("list commits: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// FindDigest returns the lowest seq whose state has the given digest.
func (r *Redis) FindDigest(ctx context.Context, digest string) (int64, error) {
	seqs, err := r.client.ZRange(ctx, r.digestKey(digest), 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("find digest: %w", err)
	}
	if len(seqs) == 0 {
		return 0, ErrNotFound
	}
	return strconv.ParseInt(seqs[0], 10, 64)
}

// Close closes the client if the journal created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

// encodeCommit keeps the canonical payloads byte-for-byte; the default
// encoder would HTML-escape them.
func encodeCommit(c Commit) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

func decodeCommit(s string) (Commit, error) {
	var c Commit
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Commit{}, fmt.Errorf("decode commit: %w", err)
	}
	return c, nil
}
