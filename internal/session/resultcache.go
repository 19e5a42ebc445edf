package session

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loamdb/loam/internal/schema"
)

const defaultResultCacheSize = 256

// cachedResult is one memoized query result: the ordered keys it returned
// and the entity types the query touched, for invalidation.
type cachedResult struct {
	keys  []schema.Key
	types []string
}

// resultCache memoizes query results within one session, invalidated
// type-scoped: dirtying a record of type T evicts exactly the results whose
// query touches T, including types reached through joins and aggregates.
type resultCache struct {
	lru    *lru.Cache[string, cachedResult]
	byType map[string]map[string]bool
}

func newResultCache(size int) *resultCache {
	if size <= 0 {
		size = defaultResultCacheSize
	}
	rc := &resultCache{byType: make(map[string]map[string]bool)}
	cache, err := lru.NewWithEvict(size, rc.onEvict)
	if err != nil {
		panic(err) // size is normalized above
	}
	rc.lru = cache
	return rc
}

func (rc *resultCache) onEvict(key string, value cachedResult) {
	for _, tn := range value.types {
		delete(rc.byType[tn], key)
	}
}

func (rc *resultCache) get(key string) ([]schema.Key, bool) {
	res, ok := rc.lru.Get(key)
	if !ok {
		return nil, false
	}
	return res.keys, true
}

func (rc *resultCache) put(key string, keys []schema.Key, types []string) {
	rc.lru.Add(key, cachedResult{keys: keys, types: types})
	for _, tn := range types {
		if rc.byType[tn] == nil {
			rc.byType[tn] = make(map[string]bool)
		}
		rc.byType[tn][key] = true
	}
}

// invalidateType drops every cached result whose query touches the type.
func (rc *resultCache) invalidateType(name string) {
	for key := range rc.byType[name] {
		rc.lru.Remove(key) // eviction hook cleans the index
	}
	delete(rc.byType, name)
}

func (rc *resultCache) len() int {
	return rc.lru.Len()
}
