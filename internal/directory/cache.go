package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/openpsd/xs2a-consent/internal/consent"
	"github.com/redis/go-redis/v9"
)

// accountListTTL bounds how stale a cached PSU account list may be. The
// list only feeds consent creation (resolution is a snapshot anyway) and
// account listings, so short staleness is acceptable.
const accountListTTL = 5 * time.Minute

// CachedDirectory wraps a Directory with a Redis cache for the hot
// ListAccountsForPSU path. All other reads pass through. A nil or
// unreachable Redis client degrades to the inner directory; cache failures
// are never surfaced to callers.
type CachedDirectory struct {
	inner       Directory
	redisClient *redis.Client
}

// NewCachedDirectory creates the caching wrapper. redisClient may be nil.
func NewCachedDirectory(inner Directory, redisClient *redis.Client) *CachedDirectory {
	return &CachedDirectory{inner: inner, redisClient: redisClient}
}

// ConnectCache dials Redis and returns nil when the cache is unavailable,
// so the service starts without it.
func ConnectCache(host, port string) *redis.Client {
	redisAddr := fmt.Sprintf("%s:%s", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     "", // No password by default
		DB:           0,  // Use default DB
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("[Directory] Cache connection failed: %v (continuing without cache)", err)
		return nil
	}
	log.Printf("[Directory] Cache connected at %s", redisAddr)
	return client
}

// ListAccountsForPSU implements Directory with cache-aside reads.
func (d *CachedDirectory) ListAccountsForPSU(ctx context.Context, psuID string) ([]consent.AccountReference, error) {
	cacheKey := fmt.Sprintf("dir:psu:accounts:%s", psuID)

	if d.redisClient != nil {
		data, err := d.redisClient.Get(ctx, cacheKey).Bytes()
		if err == nil {
			var refs []consent.AccountReference
			if err := json.Unmarshal(data, &refs); err == nil {
				return refs, nil
			}
			// Corrupted entry, evict and fall through to the database
			log.Printf("[Directory] Corrupted cache entry for PSU %s, evicting", psuID)
			d.redisClient.Del(ctx, cacheKey)
		} else if err != redis.Nil {
			log.Printf("[Directory] Cache error for PSU %s: %v", psuID, err)
		}
	}

	refs, err := d.inner.ListAccountsForPSU(ctx, psuID)
	if err != nil {
		return nil, err
	}

	if d.redisClient != nil {
		if data, err := json.Marshal(refs); err == nil {
			if err := d.redisClient.Set(ctx, cacheKey, data, accountListTTL).Err(); err != nil {
				log.Printf("[Directory] Failed to cache accounts for PSU %s: %v", psuID, err)
			}
		}
	}
	return refs, nil
}

// GetAccountDetails implements Directory.
func (d *CachedDirectory) GetAccountDetails(ctx context.Context, accountID string) (*AccountDetails, error) {
	return d.inner.GetAccountDetails(ctx, accountID)
}

// GetAccountBalances implements Directory.
func (d *CachedDirectory) GetAccountBalances(ctx context.Context, ref consent.AccountReference) ([]Balance, error) {
	return d.inner.GetAccountBalances(ctx, ref)
}

// GetTransactionsByPeriod implements Directory.
func (d *CachedDirectory) GetTransactionsByPeriod(ctx context.Context, ref consent.AccountReference, dateFrom, dateTo time.Time) ([]Transaction, error) {
	return d.inner.GetTransactionsByPeriod(ctx, ref, dateFrom, dateTo)
}

// GetTransactionByID implements Directory.
func (d *CachedDirectory) GetTransactionByID(ctx context.Context, ref consent.AccountReference, transactionID string) (*Transaction, error) {
	return d.inner.GetTransactionByID(ctx, ref, transactionID)
}
