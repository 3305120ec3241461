// Package cache holds the short-lived read cache consulted by selects by id.
package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/gogotex/docstore/internal/document"
)

// DocCache stores recently read documents. Get only returns entries younger
// than maxAge; Set keeps an entry for at most ttl.
type DocCache interface {
	Get(ctx context.Context, key string, maxAge time.Duration) (document.Doc, bool, error)
	Set(ctx context.Context, key string, doc document.Doc, ttl time.Duration) error
	Evict(ctx context.Context, key string) error
}

// Key builds the cache key of a document.
func Key(docTypeName, partition, id string) string {
	return docTypeName + "/" + strconv.Itoa(len(partition)) + ":" + partition + "/" + id
}

// Clock returns the current time. Caches take one so expiry can be tested.
type Clock func() time.Time
