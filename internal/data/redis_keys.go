package data

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace is the key namespace used when none is configured.
const DefaultNamespace = "taskqueue"

const scanBatchSize = 200

// Keyspace builds the Redis keys used by the queue and result repositories.
// Every key carries the same hash tag so multi-key transactions stay on one cluster slot.
type Keyspace struct {
	tag string
}

// NewKeyspace returns a Keyspace for namespace, falling back to DefaultNamespace.
func NewKeyspace(namespace string) Keyspace {
	ns := strings.Trim(strings.TrimSpace(namespace), "{}")
	if ns == "" {
		ns = DefaultNamespace
	}
	return Keyspace{tag: "{" + ns + "}"}
}

func (k Keyspace) prefix() string {
	if k.tag == "" {
		return "{" + DefaultNamespace + "}"
	}
	return k.tag
}

// Pending is the list producers push to and workers move from.
func (k Keyspace) Pending() string { return k.prefix() + ":queue:pending" }

// Processing is the list holding claimed but unacknowledged ids.
func (k Keyspace) Processing() string { return k.prefix() + ":queue:processing" }

// Task is the key of a task record.
func (k Keyspace) Task(id string) string { return k.prefix() + ":task:" + id }

// Result is the key of a result record.
func (k Keyspace) Result(id string) string { return k.prefix() + ":results:" + id }

func (k Keyspace) taskPattern() string   { return k.Task("*") }
func (k Keyspace) resultPattern() string { return k.Result("*") }

// resultID strips the result key prefix.
func (k Keyspace) resultID(key string) (string, bool) {
	return cutPrefix(key, k.Result(""))
}

func cutPrefix(s, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// scanKeys collects every key matching pattern. On a cluster client every master is scanned.
func scanKeys(ctx context.Context, client redis.UniversalClient, pattern string) ([]string, error) {
	if cc, ok := client.(*redis.ClusterClient); ok {
		var (
			keys []string
			mu   sync.Mutex
		)
		err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			found, err := scanNode(ctx, node, pattern)
			if err != nil {
				return err
			}
			mu.Lock()
			keys = append(keys, found...)
			mu.Unlock()
			return nil
		})
		return keys, err
	}
	return scanNode(ctx, client, pattern)
}

func scanNode(ctx context.Context, client redis.Cmdable, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return dedupe(keys), nil
		}
	}
}

// dedupe removes duplicates, which SCAN may return across iterations.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// deleteKeys removes keys in batches and returns how many existed.
func deleteKeys(ctx context.Context, client redis.UniversalClient, keys []string) (int, error) {
	deleted := 0
	for start := 0; start < len(keys); start += scanBatchSize {
		end := min(start+scanBatchSize, len(keys))
		n, err := client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis del: %w", err)
		}
		deleted += int(n)
	}
	return deleted, nil
}
