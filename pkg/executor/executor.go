// Package executor deletes message id sets in bounded batches against a
// rate-limited remote API.
package executor

import (
	"context"
	"time"

	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/logger"
	"github.com/tgguard/tgguard/pkg/metrics"
	"github.com/tgguard/tgguard/pkg/throttle"
)

const (
	DefaultChunkSize  = 100
	DefaultBatchPause = 600 * time.Millisecond
)

type Deleter interface {
	DeleteMessages(ctx context.Context, conv chat.Conversation, ids []int64) error
}

// Batch is one remote delete call. IDs never exceeds the chunk size and
// holds no duplicates.
type Batch struct {
	ConversationID int64
	IDs            []int64
	Attempt        int
}

type Options struct {
	ChunkSize  int
	BatchPause time.Duration
	Gate       *throttle.Gate
}

type Executor struct {
	gw        Deleter
	gate      *throttle.Gate
	chunkSize int
	pause     time.Duration
}

func New(gw Deleter, opts Options) *Executor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.BatchPause < 0 {
		opts.BatchPause = 0
	}
	if opts.Gate == nil {
		opts.Gate = throttle.NewGate()
	}
	return &Executor{
		gw:        gw,
		gate:      opts.Gate,
		chunkSize: opts.ChunkSize,
		pause:     opts.BatchPause,
	}
}

func (e *Executor) Gate() *throttle.Gate {
	return e.gate
}

// Partition splits ids into batches of at most size, preserving input order.
// Repeated ids are kept only at their first position.
func Partition(convID int64, ids []int64, size int) []Batch {
	if size <= 0 {
		size = DefaultChunkSize
	}
	seen := make(map[int64]struct{}, len(ids))
	var batches []Batch
	cur := make([]int64, 0, size)
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cur = append(cur, id)
		if len(cur) == size {
			batches = append(batches, Batch{ConversationID: convID, IDs: cur})
			cur = make([]int64, 0, size)
		}
	}
	if len(cur) > 0 {
		batches = append(batches, Batch{ConversationID: convID, IDs: cur})
	}
	return batches
}

// DeleteAll deletes ids from conv and returns how many were confirmed. Batch
// failures are logged and absorbed; only throttling delays progress.
func (e *Executor) DeleteAll(ctx context.Context, conv chat.Conversation, ids []int64) int {
	if !conv.Kind.IsScannable() {
		logger.WarnCF("executor", "Refusing to delete in broadcast conversation", map[string]interface{}{
			"conversation": conv.ID,
		})
		return 0
	}

	batches := Partition(conv.ID, ids, e.chunkSize)
	total := 0
	for i := range batches {
		deleted, ok := e.runBatch(ctx, conv, &batches[i])
		total += deleted
		if ctx.Err() != nil {
			break
		}
		if ok && i < len(batches)-1 {
			if err := e.gate.Pause(ctx, e.pause); err != nil {
				break
			}
		}
	}

	logger.DebugCF("executor", "Delete finished", map[string]interface{}{
		"conversation": conv.ID,
		"requested":    len(ids),
		"batches":      len(batches),
		"deleted":      total,
	})
	return total
}

// DeleteOne removes a single message with the same throttling behaviour as a
// batch. A message that is already gone counts as deleted.
func (e *Executor) DeleteOne(ctx context.Context, conv chat.Conversation, id int64) error {
	if !conv.Kind.IsScannable() {
		return chat.ErrInaccessible
	}
	for {
		if err := e.gate.Wait(ctx); err != nil {
			return err
		}
		err := e.gw.DeleteMessages(ctx, conv, []int64{id})
		switch chat.ClassifyError(err) {
		case chat.ClassNone, chat.ClassNotFound:
			metrics.MessagesDeleted.Inc()
			return nil
		case chat.ClassThrottled:
			e.onThrottled(conv, err)
		default:
			return err
		}
	}
}

func (e *Executor) runBatch(ctx context.Context, conv chat.Conversation, b *Batch) (int, bool) {
	for {
		if err := e.gate.Wait(ctx); err != nil {
			return 0, false
		}
		b.Attempt++
		err := e.gw.DeleteMessages(ctx, conv, b.IDs)
		switch chat.ClassifyError(err) {
		case chat.ClassNone, chat.ClassNotFound:
			metrics.MessagesDeleted.Add(float64(len(b.IDs)))
			return len(b.IDs), true
		case chat.ClassThrottled:
			e.onThrottled(conv, err)
		default:
			metrics.BatchesAbandoned.Inc()
			logger.ErrorCF("executor", "Abandoning delete batch", map[string]interface{}{
				"conversation": conv.ID,
				"size":         len(b.IDs),
				"attempt":      b.Attempt,
				"error":        err.Error(),
			})
			return 0, false
		}
	}
}

func (e *Executor) onThrottled(conv chat.Conversation, err error) {
	retryAfter, _ := chat.RetryAfter(err)
	wait := e.gate.OnThrottled("delete", retryAfter)
	metrics.Throttles.Inc()
	logger.WarnCF("executor", "Throttled, holding all deletes", map[string]interface{}{
		"conversation": conv.ID,
		"retry_after":  retryAfter.String(),
		"wait":         wait.String(),
	})
}
