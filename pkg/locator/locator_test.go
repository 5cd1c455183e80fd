package locator

import (
	"context"
	"errors"
	"testing"

	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/chat/chattest"
)

var dm = chat.Conversation{ID: 7, Kind: chat.Personal}

func TestLocateNewestFirstAcrossPages(t *testing.T) {
	gw := chattest.New()
	gw.PageSize = 3
	gw.AddConversation(dm)
	ids := gw.Post(dm.ID, 1, 7, "hi")

	got, err := New(gw).Locate(context.Background(), dm, 0).CollectIDs()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("len = %d, want %d", len(got), len(ids))
	}
	for i := range got {
		if got[i] != ids[len(ids)-1-i] {
			t.Fatalf("order = %v, want newest first of %v", got, ids)
		}
	}
}

func TestLocateFiltersBySender(t *testing.T) {
	gw := chattest.New()
	gw.PageSize = 2
	gw.AddConversation(dm)
	mine := gw.Post(dm.ID, 1, 3, "a")
	gw.Post(dm.ID, 2, 4, "b")
	mine = append(mine, gw.Post(dm.ID, 1, 2, "c")...)

	got, err := New(gw).Locate(context.Background(), dm, 1).CollectIDs()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(got) != len(mine) {
		t.Fatalf("got %d ids, want %d", len(got), len(mine))
	}
}

func TestLocateKeepsPartialResultOnPageError(t *testing.T) {
	gw := chattest.New()
	gw.PageSize = 2
	gw.AddConversation(dm)
	gw.Post(dm.ID, 1, 6, "x")
	boom := errors.New("page failed")
	gw.PageHook = func(conv chat.Conversation, cursor int64) error {
		if cursor != 0 {
			return boom
		}
		return nil
	}

	seq := New(gw).Locate(context.Background(), dm, 0)
	got, err := seq.CollectIDs()
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(got) != 2 {
		t.Fatalf("partial result = %v, want first page only", got)
	}
	if seq.Next() {
		t.Fatal("sequence must stay terminated after an error")
	}
}

func TestLocateIsRestartable(t *testing.T) {
	gw := chattest.New()
	gw.AddConversation(dm)
	gw.Post(dm.ID, 1, 4, "x")
	loc := New(gw)

	first, _ := loc.Locate(context.Background(), dm, 0).CollectIDs()
	second, _ := loc.Locate(context.Background(), dm, 0).CollectIDs()
	if len(first) != 4 || len(second) != 4 {
		t.Fatalf("restart should re-page from newest: %v / %v", first, second)
	}
}

func TestWhereNarrowsSequence(t *testing.T) {
	gw := chattest.New()
	gw.AddConversation(dm)
	gw.Post(dm.ID, 1, 2, "keep")
	gw.Post(dm.ID, 1, 3, "drop")

	seq := New(gw).Locate(context.Background(), dm, 1).Where(func(m chat.MessageRef) bool {
		return m.Text == "keep"
	})
	got, _ := seq.CollectIDs()
	if len(got) != 2 {
		t.Fatalf("got %d, want 2", len(got))
	}
}
