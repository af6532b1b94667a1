// Package store is the durable tier of the manga cache, backed by Redis.
//
// It persists four record families and nothing else; all policy (TTL
// decisions, quota limits, upstream fallbacks) lives in the callers.
//
//   - content metadata       manga:content:<id>            JSON string
//   - content parts          manga:part:<id>:<number>      hash
//   - query-result sets      manga:query:<hash>            hash
//   - quota counters         manga:quota:<identity>        hash
//
// Query entries are also indexed in the manga:query:expiry sorted set so
// PurgeExpired can delete them in bounded batches. Content and part
// records are never purged.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	st := store.New(redisClient, clock.New(), logging.NewLogger("store"))
//
//	rec, err := st.GetContent(ctx, 42)
//	if errors.Is(err, store.ErrNotFound) {
//		// not cached yet
//	}
//
// # Consistency
//
// Operations on one key are serialized by Redis: read-modify-write paths
// (query hit counting, quota reset-then-increment, purge batches) run as
// Lua scripts, multi-key writes use MULTI/EXEC pipelines.
//
// # Errors
//
// Any Redis failure is returned wrapped in ErrUnavailable. Callers must
// not treat it as a cache miss: fetching anyway would bypass the quota
// system. Missing records are reported as ErrNotFound.
package store
