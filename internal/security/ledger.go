package security

import (
	"sync"
	"time"

	"sentinel-guard/internal/utils"
)

type bucketKey struct {
	guildID string
	actorID string
	action  ActionType
}

// Ledger holds the per (guild, actor, action) buckets. Pruning is lazy and
// happens on every append or read of a bucket.
type Ledger struct {
	mu      sync.Mutex
	buckets map[bucketKey]*utils.SlidingWindow[ActionMetadata]
}

func NewLedger() *Ledger {
	return &Ledger{buckets: make(map[bucketKey]*utils.SlidingWindow[ActionMetadata])}
}

// Append records an action at now and returns the bucket pruned to window.
func (l *Ledger) Append(guildID, actorID string, action ActionType, meta ActionMetadata, now time.Time, window time.Duration) []ActionRecord {
	bucket := l.bucket(bucketKey{guildID: guildID, actorID: actorID, action: action}, window, true)
	return toRecords(bucket.Add(now, meta))
}

// Records prunes the bucket to window and returns its contents.
func (l *Ledger) Records(guildID, actorID string, action ActionType, now time.Time, window time.Duration) []ActionRecord {
	bucket := l.bucket(bucketKey{guildID: guildID, actorID: actorID, action: action}, window, false)
	if bucket == nil {
		return nil
	}
	return toRecords(bucket.Hits(now))
}

// Within returns records no older than window without pruning the bucket.
func (l *Ledger) Within(guildID, actorID string, action ActionType, now time.Time, window time.Duration) []ActionRecord {
	l.mu.Lock()
	bucket := l.buckets[bucketKey{guildID: guildID, actorID: actorID, action: action}]
	l.mu.Unlock()
	if bucket == nil {
		return nil
	}
	return toRecords(bucket.Within(now, window))
}

// Len reports the stored bucket length without pruning.
func (l *Ledger) Len(guildID, actorID string, action ActionType) int {
	l.mu.Lock()
	bucket := l.buckets[bucketKey{guildID: guildID, actorID: actorID, action: action}]
	l.mu.Unlock()
	if bucket == nil {
		return 0
	}
	return bucket.Len()
}

func (l *Ledger) bucket(key bucketKey, window time.Duration, create bool) *utils.SlidingWindow[ActionMetadata] {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := l.buckets[key]
	if bucket == nil {
		if !create {
			return nil
		}
		bucket = utils.NewSlidingWindow[ActionMetadata](window)
		l.buckets[key] = bucket
		return bucket
	}
	bucket.SetWindow(window)
	return bucket
}

func toRecords(hits []utils.Hit[ActionMetadata]) []ActionRecord {
	if len(hits) == 0 {
		return nil
	}
	records := make([]ActionRecord, 0, len(hits))
	for _, hit := range hits {
		records = append(records, ActionRecord{Timestamp: hit.At, Metadata: hit.Value})
	}
	return records
}
