package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/chat/chattest"
	"github.com/tgguard/tgguard/pkg/throttle"
)

var group = chat.Conversation{ID: 10, Kind: chat.Supergroup, Title: "group"}

func newTestExecutor(t *testing.T, gw *chattest.Gateway) (*Executor, *throttle.FakeClock) {
	t.Helper()
	clock := throttle.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ex := New(gw, Options{
		ChunkSize:  DefaultChunkSize,
		BatchPause: DefaultBatchPause,
		Gate:       clock.Gate(),
	})
	return ex, clock
}

func seed(t *testing.T, n int) (*chattest.Gateway, []int64) {
	t.Helper()
	gw := chattest.New()
	gw.AddConversation(group)
	return gw, gw.Post(group.ID, 42, n, "spam")
}

func TestPartitionSizes(t *testing.T) {
	ids := make([]int64, 250)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	batches := Partition(1, ids, 100)
	want := []int{100, 100, 50}
	if len(batches) != len(want) {
		t.Fatalf("len(batches) = %d, want %d", len(batches), len(want))
	}
	for i, b := range batches {
		if len(b.IDs) != want[i] {
			t.Errorf("batch %d size = %d, want %d", i, len(b.IDs), want[i])
		}
	}
	if batches[1].IDs[0] != 101 {
		t.Errorf("order not preserved: batch 2 starts at %d", batches[1].IDs[0])
	}
}

func TestPartitionDropsDuplicates(t *testing.T) {
	batches := Partition(1, []int64{3, 1, 3, 2, 1}, 2)
	if len(batches) != 2 {
		t.Fatalf("len(batches) = %d, want 2", len(batches))
	}
	got := append(append([]int64{}, batches[0].IDs...), batches[1].IDs...)
	want := []int64{3, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}

func TestDeleteAllIssuesCeilCalls(t *testing.T) {
	for _, n := range []int{0, 1, 99, 100, 101, 250} {
		gw, ids := seed(t, n)
		ex, _ := newTestExecutor(t, gw)

		if got := ex.DeleteAll(context.Background(), group, ids); got != n {
			t.Errorf("n=%d: deleted = %d", n, got)
		}
		want := (n + DefaultChunkSize - 1) / DefaultChunkSize
		if calls := len(gw.Deletes()); calls != want {
			t.Errorf("n=%d: calls = %d, want %d", n, calls, want)
		}
	}
}

func TestDeleteAll250InThreeBatches(t *testing.T) {
	gw, ids := seed(t, 250)
	ex, clock := newTestExecutor(t, gw)

	if got := ex.DeleteAll(context.Background(), group, ids); got != 250 {
		t.Fatalf("deleted = %d, want 250", got)
	}
	calls := gw.Deletes()
	sizes := []int{len(calls[0].IDs), len(calls[1].IDs), len(calls[2].IDs)}
	if sizes[0] != 100 || sizes[1] != 100 || sizes[2] != 50 {
		t.Fatalf("batch sizes = %v", sizes)
	}
	if gw.Count(group.ID) != 0 {
		t.Fatalf("%d messages left", gw.Count(group.ID))
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != DefaultBatchPause || sleeps[1] != DefaultBatchPause {
		t.Fatalf("pauses = %v, want two of %s", sleeps, DefaultBatchPause)
	}
}

func TestDeleteAllRetriesSameBatchAfterThrottle(t *testing.T) {
	gw, ids := seed(t, 250)
	gw.DeleteHook = func(call int, conv chat.Conversation, ids []int64) error {
		if call == 1 {
			return chat.Throttled(5 * time.Second)
		}
		return nil
	}
	ex, clock := newTestExecutor(t, gw)

	if got := ex.DeleteAll(context.Background(), group, ids); got != 250 {
		t.Fatalf("deleted = %d, want 250", got)
	}

	calls := gw.Deletes()
	if len(calls) != 4 {
		t.Fatalf("calls = %d, want 4", len(calls))
	}
	if calls[1].IDs[0] != calls[2].IDs[0] || len(calls[2].IDs) != 100 {
		t.Fatalf("throttled batch was not retried first: %v then %v", calls[1].IDs[0], calls[2].IDs[0])
	}
	if len(calls[3].IDs) != 50 {
		t.Fatalf("last call should be the 50-id batch, got %d", len(calls[3].IDs))
	}

	sleeps := clock.Sleeps()
	want := []time.Duration{DefaultBatchPause, 6 * time.Second, DefaultBatchPause}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] < want[i] {
			t.Fatalf("sleep %d = %s, want >= %s", i, sleeps[i], want[i])
		}
	}
	if ex.Gate().Snapshot().Throttles != 1 {
		t.Fatalf("gate should record one throttle")
	}
}

func TestDeleteAllAbandonsFailedBatch(t *testing.T) {
	gw, ids := seed(t, 250)
	gw.DeleteHook = func(call int, conv chat.Conversation, ids []int64) error {
		if call == 0 {
			return errors.New("MESSAGE_DELETE_FORBIDDEN")
		}
		return nil
	}
	ex, clock := newTestExecutor(t, gw)

	if got := ex.DeleteAll(context.Background(), group, ids); got != 150 {
		t.Fatalf("deleted = %d, want 150", got)
	}
	if calls := len(gw.Deletes()); calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if n := len(clock.Sleeps()); n != 1 {
		t.Fatalf("pauses = %d, want 1 (only after the successful middle batch)", n)
	}
}

func TestDeleteAllIsIdempotent(t *testing.T) {
	gw, ids := seed(t, 150)
	ex, _ := newTestExecutor(t, gw)

	if got := ex.DeleteAll(context.Background(), group, ids); got != 150 {
		t.Fatalf("first run deleted = %d", got)
	}
	if got := ex.DeleteAll(context.Background(), group, ids); got != 150 {
		t.Fatalf("second run deleted = %d, want 150 (not found counts as deleted)", got)
	}
}

func TestDeleteAllSkipsBroadcast(t *testing.T) {
	gw := chattest.New()
	channel := chat.Conversation{ID: 99, Kind: chat.Broadcast}
	gw.AddConversation(channel)
	ids := gw.Post(channel.ID, 42, 10, "post")
	ex, _ := newTestExecutor(t, gw)

	if got := ex.DeleteAll(context.Background(), channel, ids); got != 0 {
		t.Fatalf("deleted = %d, want 0", got)
	}
	if err := ex.DeleteOne(context.Background(), channel, ids[0]); err == nil {
		t.Fatal("DeleteOne on broadcast should fail")
	}
	if n := len(gw.Deletes()); n != 0 {
		t.Fatalf("delete calls = %d, want 0", n)
	}
}

func TestDeleteOneTreatsMissingAsDeleted(t *testing.T) {
	gw, ids := seed(t, 1)
	ex, _ := newTestExecutor(t, gw)

	if err := ex.DeleteOne(context.Background(), group, ids[0]); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := ex.DeleteOne(context.Background(), group, ids[0]); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}
