package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "reportcron:admission:"

var acquireScript = redis.NewScript(`
local t = tonumber(redis.call("GET", KEYS[1]) or "0")
local g = tonumber(redis.call("GET", KEYS[2]) or "0")
local ceiling = tonumber(ARGV[1])
local gceiling = tonumber(ARGV[2])
if ceiling > 0 and t >= ceiling then
	return 1
end
if gceiling > 0 and g >= gceiling then
	return 2
end
redis.call("INCR", KEYS[1])
redis.call("INCR", KEYS[2])
redis.call("SADD", KEYS[3], ARGV[3])
redis.call("INCR", KEYS[4])
return 0
`)

var releaseScript = redis.NewScript(`
redis.call("INCR", KEYS[4])
redis.call("SADD", KEYS[3], ARGV[1])
local t = tonumber(redis.call("GET", KEYS[1]) or "0")
if t > 0 then
	redis.call("DECR", KEYS[1])
	local g = tonumber(redis.call("GET", KEYS[2]) or "0")
	if g > 0 then
		redis.call("DECR", KEYS[2])
	end
end
return 0
`)

// resetScript applies ledger counts tenant by tenant, skipping any tenant
// whose sequence moved since the snapshot, then recomputes the global count.
// ARGV is the key prefix followed by tenant, count, sequence triples.
var resetScript = redis.NewScript(`
local prefix = ARGV[1]
local skipped = {}
for i = 2, #ARGV, 3 do
	local tenant = ARGV[i]
	local seq = tonumber(redis.call("GET", prefix .. "seq:" .. tenant) or "0")
	if seq == tonumber(ARGV[i + 2]) then
		redis.call("SET", prefix .. "tenant:" .. tenant, ARGV[i + 1])
		redis.call("SADD", KEYS[1], tenant)
	else
		table.insert(skipped, tenant)
	end
end
local total = 0
for _, tenant in ipairs(redis.call("SMEMBERS", KEYS[1])) do
	total = total + tonumber(redis.call("GET", prefix .. "tenant:" .. tenant) or "0")
end
redis.call("SET", KEYS[2], total)
return skipped
`)

// RedisCounter shares counts across replicas. Check-and-increment runs as
// one Lua script so concurrent admissions cannot overshoot a ceiling.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

func NewRedisCounter(client redis.Cmdable) *RedisCounter {
	return &RedisCounter{client: client, prefix: defaultRedisPrefix}
}

func (r *RedisCounter) WithPrefix(prefix string) *RedisCounter {
	r.prefix = prefix
	return r
}

func (r *RedisCounter) tenantKey(tenant string) string { return r.prefix + "tenant:" + tenant }
func (r *RedisCounter) globalKey() string              { return r.prefix + "global" }
func (r *RedisCounter) tenantsKey() string             { return r.prefix + "tenants" }
func (r *RedisCounter) seqKey(tenant string) string    { return r.prefix + "seq:" + tenant }

func (r *RedisCounter) Acquire(ctx context.Context, tenant string, ceiling, globalCeiling int) (DenyReason, error) {
	keys := []string{r.tenantKey(tenant), r.globalKey(), r.tenantsKey(), r.seqKey(tenant)}
	code, err := acquireScript.Run(ctx, r.client, keys, ceiling, globalCeiling, tenant).Int()
	if err != nil {
		return ReasonNone, fmt.Errorf("redis acquire: %w", err)
	}
	switch code {
	case 0:
		return ReasonNone, nil
	case 1:
		return ReasonTenantCeiling, nil
	default:
		return ReasonGlobalCeiling, nil
	}
}

func (r *RedisCounter) Release(ctx context.Context, tenant string) error {
	keys := []string{r.tenantKey(tenant), r.globalKey(), r.tenantsKey(), r.seqKey(tenant)}
	if err := releaseScript.Run(ctx, r.client, keys, tenant).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func (r *RedisCounter) Snapshot(ctx context.Context) (map[string]int64, error) {
	tenants, err := r.client.SMembers(ctx, r.tenantsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis snapshot: list tenants: %w", err)
	}
	seen := make(map[string]int64, len(tenants))
	if len(tenants) == 0 {
		return seen, nil
	}

	keys := make([]string, len(tenants))
	for i, tenant := range tenants {
		keys[i] = r.seqKey(tenant)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis snapshot: %w", err)
	}
	for i, tenant := range tenants {
		seen[tenant] = int64(toInt(vals[i]))
	}
	return seen, nil
}

func (r *RedisCounter) Reset(ctx context.Context, counts map[string]int, seen map[string]int64) ([]string, error) {
	known, err := r.client.SMembers(ctx, r.tenantsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis reset: list tenants: %w", err)
	}

	tenants := make(map[string]struct{}, len(known)+len(counts)+len(seen))
	for _, tenant := range known {
		tenants[tenant] = struct{}{}
	}
	for tenant := range counts {
		tenants[tenant] = struct{}{}
	}
	for tenant := range seen {
		tenants[tenant] = struct{}{}
	}

	args := make([]interface{}, 0, 1+3*len(tenants))
	args = append(args, r.prefix)
	for tenant := range tenants {
		args = append(args, tenant, counts[tenant], seen[tenant])
	}

	keys := []string{r.tenantsKey(), r.globalKey()}
	skipped, err := resetScript.Run(ctx, r.client, keys, args...).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis reset: %w", err)
	}
	return skipped, nil
}

func (r *RedisCounter) Active(ctx context.Context, tenant string) (int, int, error) {
	vals, err := r.client.MGet(ctx, r.tenantKey(tenant), r.globalKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis active: %w", err)
	}
	return toInt(vals[0]), toInt(vals[1]), nil
}

func toInt(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int
	if _, err := fmt.Sscan(s, &n); err != nil {
		return 0
	}
	return n
}

var _ Counter = (*RedisCounter)(nil)
