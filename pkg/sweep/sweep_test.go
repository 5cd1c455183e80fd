package sweep

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/chat/chattest"
	"github.com/tgguard/tgguard/pkg/executor"
	"github.com/tgguard/tgguard/pkg/expiry"
	"github.com/tgguard/tgguard/pkg/journal"
	"github.com/tgguard/tgguard/pkg/throttle"
)

const (
	userU  int64 = 500
	userX  int64 = 600
	selfID int64 = 900
)

var (
	statusChat = chat.Conversation{ID: 1000, Kind: chat.Personal, Title: "status"}
	personalA  = chat.Conversation{ID: 1, Kind: chat.Personal, Title: "A"}
	groupB     = chat.Conversation{ID: -100, Kind: chat.Supergroup, Title: "B"}
	channelC   = chat.Conversation{ID: -200, Kind: chat.Broadcast, Title: "C"}
)

type fixture struct {
	gw      *chattest.Gateway
	orch    *Orchestrator
	sched   *expiry.Scheduler
	journal *journal.Store
	clock   *throttle.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := chattest.New()
	clock := throttle.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ex := executor.New(gw, executor.Options{Gate: clock.Gate()})
	hold := func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	sched := expiry.New(ex, gw, expiry.Options{Sleep: hold})
	t.Cleanup(sched.Shutdown)

	store, err := journal.NewStore("")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	orch := New(gw, ex, sched, store, Options{
		StatusChat:   statusChat,
		ExpiryDelay:  expiry.DefaultDelay,
		AlertPrefix:  chat.DefaultAlertPrefix,
		ExpireStatus: true,
	})
	return &fixture{gw: gw, orch: orch, sched: sched, journal: store, clock: clock}
}

func (f *fixture) deletesIn(convID int64) int {
	n := 0
	for _, call := range f.gw.Deletes() {
		if call.ConversationID == convID {
			n++
		}
	}
	return n
}

func TestScanPresenceScenario(t *testing.T) {
	f := newFixture(t)
	f.gw.AddConversation(personalA)
	f.gw.AddConversation(groupB, userU, 501, 502, 503, 504)
	f.gw.AddConversation(channelC, userU)

	tracked := chat.Directory{userU: {ID: userU, DisplayName: "U"}}
	if got := f.orch.ScanPresence(context.Background(), tracked); got != 1 {
		t.Fatalf("matches = %d, want 1", got)
	}

	probes := f.gw.Probes()
	for _, p := range probes {
		if p.ConversationID == channelC.ID {
			t.Fatal("broadcast conversation was probed")
		}
	}
	if len(probes) != 1 || probes[0].ConversationID != groupB.ID {
		t.Fatalf("probes = %+v, want one against B", probes)
	}

	sent := f.gw.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want report + summary", len(sent))
	}
	if want := "ℹ️ Already in group: U is a member of «B»"; sent[0].Text != want {
		t.Fatalf("report = %q, want %q", sent[0].Text, want)
	}
	if f.sched.Pending() != 2 {
		t.Fatalf("pending expiries = %d, want 2", f.sched.Pending())
	}
}

func TestScanPersonalIdentityMatch(t *testing.T) {
	f := newFixture(t)
	dm := chat.Conversation{ID: userU, Kind: chat.Personal, Title: "U"}
	f.gw.AddConversation(dm)

	rec, matches := f.orch.Scan(context.Background(), chat.Directory{userU: {DisplayName: "U"}}, "manual")
	if rec.Matches != 1 || len(matches) != 1 || matches[0].User.ID != userU {
		t.Fatalf("unexpected result: %+v %+v", rec, matches)
	}
	if len(f.gw.Probes()) != 0 {
		t.Fatal("direct chats need no probes")
	}
}

func TestScanBasicGroupListsMembersOnce(t *testing.T) {
	f := newFixture(t)
	basic := chat.Conversation{ID: -300, Kind: chat.BasicGroup, Title: "old group"}
	f.gw.AddConversation(basic, 1, 2, 3)

	tracked := chat.Directory{1: {}, 3: {}, 7: {}}
	if got := f.orch.ScanPresence(context.Background(), tracked); got != 2 {
		t.Fatalf("matches = %d, want 2", got)
	}
	if calls := f.gw.MemberListCalls(); len(calls) != 1 {
		t.Fatalf("member list calls = %d, want 1", len(calls))
	}
	if len(f.gw.Probes()) != 0 {
		t.Fatal("basic groups are not probed")
	}
}

func TestScanSkipsInaccessibleConversation(t *testing.T) {
	f := newFixture(t)
	locked := chat.Conversation{ID: -400, Kind: chat.Supergroup, Title: "locked"}
	f.gw.AddConversation(locked)
	f.gw.AddConversation(groupB, userU)
	f.gw.ProbeHook = func(conv chat.Conversation, userID int64) (bool, error) {
		if conv.ID == locked.ID {
			return false, fmt.Errorf("probe: %w", chat.ErrInaccessible)
		}
		return true, nil
	}

	rec, _ := f.orch.Scan(context.Background(), chat.Directory{userU: {}}, "manual")
	if rec.Skipped != 1 || rec.Matches != 1 || rec.Processed != 2 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestScanRetriesThrottledProbe(t *testing.T) {
	f := newFixture(t)
	f.gw.AddConversation(groupB, userU)
	calls := 0
	f.gw.ProbeHook = func(conv chat.Conversation, userID int64) (bool, error) {
		calls++
		if calls == 1 {
			return false, chat.Throttled(3 * time.Second)
		}
		return true, nil
	}

	if got := f.orch.ScanPresence(context.Background(), chat.Directory{userU: {}}); got != 1 {
		t.Fatalf("matches = %d, want 1", got)
	}
	if calls != 2 {
		t.Fatalf("probe calls = %d, want 2", calls)
	}
}

func TestPurgeNeverTouchesBroadcast(t *testing.T) {
	f := newFixture(t)
	f.gw.AddConversation(groupB)
	f.gw.AddConversation(channelC)
	f.gw.Post(groupB.ID, userX, 10, "spam")
	f.gw.Post(channelC.ID, userX, 10, "post")

	if got := f.orch.PurgeEverywhere(context.Background(), userX, "X"); got != 10 {
		t.Fatalf("deleted = %d, want 10", got)
	}
	if n := f.deletesIn(channelC.ID); n != 0 {
		t.Fatalf("delete calls against broadcast = %d", n)
	}
	if f.gw.Count(channelC.ID) != 10 {
		t.Fatal("broadcast history changed")
	}
}

func TestPurge250MessagesInThreeBatches(t *testing.T) {
	f := newFixture(t)
	f.gw.AddConversation(groupB)
	f.gw.Post(groupB.ID, userX, 250, "spam")
	f.gw.Post(groupB.ID, userU, 5, "hello")

	rec := f.orch.Purge(context.Background(), userX, "X", "manual")
	if rec.Deleted != 250 {
		t.Fatalf("deleted = %d, want 250", rec.Deleted)
	}
	if n := f.deletesIn(groupB.ID); n != 3 {
		t.Fatalf("delete calls = %d, want 3", n)
	}
	if f.gw.Count(groupB.ID) != 5 {
		t.Fatalf("other senders' messages must stay, %d left", f.gw.Count(groupB.ID))
	}

	last, ok := f.journal.Last(journal.KindPurge)
	if !ok || last.Deleted != 250 || last.Subject != "X" {
		t.Fatalf("journal = %+v, %v", last, ok)
	}
	sent := f.gw.Sent()
	if len(sent) != 1 || chat.IsAlert(sent[0].Text, chat.DefaultAlertPrefix) {
		t.Fatalf("expected one expiring summary, got %+v", sent)
	}
	if f.sched.Pending() != 1 {
		t.Fatal("summary should be scheduled to expire")
	}
}

func TestPurgeSkipsInaccessibleAndContinues(t *testing.T) {
	f := newFixture(t)
	locked := chat.Conversation{ID: -400, Kind: chat.Supergroup, Title: "locked"}
	f.gw.AddConversation(locked)
	f.gw.AddConversation(groupB)
	f.gw.Post(locked.ID, userX, 3, "spam")
	f.gw.Post(groupB.ID, userX, 4, "spam")
	f.gw.PageHook = func(conv chat.Conversation, cursor int64) error {
		if conv.ID == locked.ID {
			return chat.ErrInaccessible
		}
		return nil
	}

	rec := f.orch.Purge(context.Background(), userX, "X", "manual")
	if rec.Deleted != 4 || rec.Skipped != 1 || rec.Processed != 2 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestPurgeSurvivesEnumerationFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.EnumerateErr = chat.ErrInaccessible

	rec := f.orch.Purge(context.Background(), userX, "X", "manual")
	if rec.Deleted != 0 || rec.Processed != 0 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(f.gw.Sent()) != 1 {
		t.Fatal("a summary is still posted")
	}
}

func TestAlertIsNotScheduled(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Alert(context.Background(), "tracked user joined"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if f.sched.Pending() != 0 {
		t.Fatal("alerts are never scheduled for expiry")
	}
	sent := f.gw.Sent()
	if len(sent) != 1 || !chat.IsAlert(sent[0].Text, chat.DefaultAlertPrefix) {
		t.Fatalf("unexpected alert: %+v", sent)
	}
}

func TestPurgeOwnHonoursExclusionsAndAlerts(t *testing.T) {
	f := newFixture(t)
	friend := chat.Conversation{ID: 77, Kind: chat.Personal, Title: "friend"}
	f.gw.AddConversation(statusChat)
	f.gw.AddConversation(friend)
	f.gw.AddConversation(groupB)
	f.gw.Post(friend.ID, selfID, 3, "hi friend")
	f.gw.Post(groupB.ID, selfID, 4, "hi group")
	f.gw.Post(statusChat.ID, selfID, 2, "old status")
	alerts := f.gw.Post(statusChat.ID, selfID, 1, chat.DefaultAlertPrefix+"joined")

	rec := f.orch.PurgeOwn(context.Background(), selfID, chat.Directory{friend.ID: {DisplayName: "friend"}})
	if rec.Deleted != 6 || rec.Excluded != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if f.gw.Count(friend.ID) != 3 {
		t.Fatal("excluded chat was purged")
	}
	if !f.gw.Has(statusChat.ID, alerts[0]) {
		t.Fatal("alert in status chat was purged")
	}
	if f.sched.Pending() != 0 {
		t.Fatal("self purge summary is kept")
	}
}

func TestExportMembers(t *testing.T) {
	f := newFixture(t)
	f.gw.AddConversation(groupB, 1, 2, 3)
	f.gw.AddConversation(channelC, 1)
	f.gw.AddUser("@bob", chat.User{ID: 2, Username: "bob"})
	f.gw.AddUser("@amy", chat.User{ID: 1, Username: "amy"})
	f.gw.AddUser("@nobody", chat.User{ID: 3})

	got, err := f.orch.ExportMembers(context.Background(), groupB)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(got) != 2 || got[0] != "@amy" || got[1] != "@bob" {
		t.Fatalf("handles = %v", got)
	}
	none, err := f.orch.ExportMembers(context.Background(), channelC)
	if err != nil || len(none) != 0 {
		t.Fatalf("broadcast export = %v, %v", none, err)
	}
}

func TestPurgeAllRunsEveryBlacklistedUser(t *testing.T) {
	f := newFixture(t)
	f.gw.AddConversation(groupB, userU, userX)
	f.gw.Post(groupB.ID, userU, 3, "spam")
	f.gw.Post(groupB.ID, userX, 2, "spam")

	blacklist := chat.Directory{
		userX: {ID: userX, DisplayName: "X"},
		userU: {ID: userU, DisplayName: "U"},
	}
	records := f.orch.PurgeAll(context.Background(), blacklist, "startup")
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Subject != "U" || records[0].Deleted != 3 || records[1].Deleted != 2 {
		t.Fatalf("records = %+v", records)
	}
	if f.gw.Count(groupB.ID) != 0 {
		t.Fatalf("%d messages left in B", f.gw.Count(groupB.ID))
	}
}

func TestThrottledSummaryIsRetried(t *testing.T) {
	f := newFixture(t)
	f.gw.AddConversation(groupB)
	f.gw.Post(groupB.ID, userX, 3, "spam")
	f.gw.SendHook = func(call int, conv chat.Conversation, text string) error {
		if call == 1 {
			return chat.Throttled(3 * time.Second)
		}
		return nil
	}

	if got := f.orch.PurgeEverywhere(context.Background(), userX, "X"); got != 3 {
		t.Fatalf("deleted = %d, want 3", got)
	}
	if f.gw.SendAttempts() != 2 {
		t.Fatalf("send attempts = %d, want 2", f.gw.SendAttempts())
	}
	sent := f.gw.Sent()
	if len(sent) != 1 || sent[0].ConversationID != statusChat.ID {
		t.Fatalf("summary was not delivered: %+v", sent)
	}
	found := false
	for _, d := range f.clock.Sleeps() {
		if d == 4*time.Second {
			found = true
		}
	}
	if !found {
		t.Fatalf("gate sleeps = %v, want a 4s hold", f.clock.Sleeps())
	}
}
