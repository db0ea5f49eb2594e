package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// managedPrefixes are the namespaces this package owns. The startup sweep
// only inspects these; foreign keys in the same database are untouched.
var managedPrefixes = []string{
	prefixChannelOwner,
	prefixUserPrefs,
	prefixCallState,
	prefixCoup,
	prefixChannelMembers,
}

// PurgeMalformed scans every managed namespace and deletes entries that
// are not valid versioned records. It returns the number of keys removed.
// Run once at startup so the core never reads legacy junk.
func (c *Cache) PurgeMalformed(ctx context.Context) (int, error) {
	purged := 0
	for _, prefix := range managedPrefixes {
		n, err := c.purgeNamespace(ctx, prefix)
		if err != nil {
			return purged, err
		}
		purged += n
	}
	if purged > 0 {
		c.logger.Info("purged malformed cache entries", "count", purged)
	}
	return purged, nil
}

func (c *Cache) purgeNamespace(ctx context.Context, prefix string) (int, error) {
	purged := 0
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			// The key may have expired between SCAN and GET.
			continue
		}
		if !validRecord(raw) {
			c.purge(ctx, key, "startup sweep")
			purged++
		}
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("cache: scanning %q: %w", prefix, err)
	}
	return purged, nil
}

// ForceDelete removes a known-bad key list unconditionally.
func (c *Cache) ForceDelete(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	c.logger.Info("force-deleting known-bad cache keys", "count", len(keys))
	c.Delete(ctx, keys...)
}

// validRecord requires a JSON object carrying the current schema version.
func validRecord(raw []byte) bool {
	if malformedPayload(raw) {
		return false
	}
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.SchemaVersion == SchemaVersion
}
