package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tgguard/tgguard/pkg/chat"
)

func openTest(t *testing.T) *Index {
	t.Helper()
	x, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { x.Close() })
	return x
}

func seed(t *testing.T, x *Index, chatID int64, msgs ...Message) {
	t.Helper()
	ctx := context.Background()
	if err := x.UpsertChat(ctx, Chat{ID: chatID, Type: "supergroup", Title: "B"}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
	for _, m := range msgs {
		m.ChatID = chatID
		if err := x.RecordMessage(ctx, m); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
}

func TestPageNewestFirstWithCursor(t *testing.T) {
	x := openTest(t)
	ctx := context.Background()
	var msgs []Message
	for i := int64(1); i <= 5; i++ {
		msgs = append(msgs, Message{ID: i, SenderID: 7})
	}
	seed(t, x, -100, msgs...)

	page, err := x.Page(ctx, -100, 0, 0, 2)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].ID != 5 || page[1].ID != 4 {
		t.Fatalf("first page = %+v", page)
	}
	page, err = x.Page(ctx, -100, 0, page[1].ID, 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 3 || page[0].ID != 3 || page[2].ID != 1 {
		t.Fatalf("second page = %+v", page)
	}
}

func TestPageFiltersSender(t *testing.T) {
	x := openTest(t)
	seed(t, x, -100,
		Message{ID: 1, SenderID: 7},
		Message{ID: 2, SenderID: 8},
		Message{ID: 3, SenderID: 7},
	)
	page, err := x.Page(context.Background(), -100, 7, 0, 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].ID != 3 || page[1].ID != 1 {
		t.Fatalf("page = %+v", page)
	}
}

func TestForgetMessages(t *testing.T) {
	x := openTest(t)
	ctx := context.Background()
	seed(t, x, -100, Message{ID: 1}, Message{ID: 2}, Message{ID: 3})

	n, err := x.ForgetMessages(ctx, -100, []int64{1, 3, 99})
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if n != 2 {
		t.Fatalf("forgot %d, want 2", n)
	}
	if _, ok, _ := x.Message(ctx, -100, 1); ok {
		t.Fatal("message 1 should be gone")
	}
	if _, ok, _ := x.Message(ctx, -100, 2); !ok {
		t.Fatal("message 2 should remain")
	}
}

func TestForgetChatCascades(t *testing.T) {
	x := openTest(t)
	ctx := context.Background()
	seed(t, x, -100, Message{ID: 1})
	if err := x.MarkMember(ctx, -100, 7, true); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := x.ForgetChat(ctx, -100); err != nil {
		t.Fatalf("forget chat: %v", err)
	}
	if _, ok, _ := x.Message(ctx, -100, 1); ok {
		t.Fatal("messages should be removed with the chat")
	}
	members, _ := x.Members(ctx, -100)
	if len(members) != 0 {
		t.Fatalf("members = %v", members)
	}
}

func TestMembersAndUsers(t *testing.T) {
	x := openTest(t)
	ctx := context.Background()
	seed(t, x, -100)

	for _, id := range []int64{9, 7} {
		if err := x.MarkMember(ctx, -100, id, true); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	if err := x.MarkMember(ctx, -100, 9, false); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	if err := x.UpsertUser(ctx, chat.User{ID: 7, Username: "Alice", DisplayName: "Alice A"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	users, err := x.MemberUsers(ctx, -100)
	if err != nil {
		t.Fatalf("member users: %v", err)
	}
	if len(users) != 1 || users[0].Username != "Alice" {
		t.Fatalf("users = %+v", users)
	}

	u, ok, err := x.UserByUsername(ctx, "@alice")
	if err != nil || !ok || u.ID != 7 {
		t.Fatalf("by username = %+v %v %v", u, ok, err)
	}
	if _, ok, _ := x.UserByUsername(ctx, "bob"); ok {
		t.Fatal("unknown username should not resolve")
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	x, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seed(t, x, -100, Message{ID: 1, Text: "hello"})
	x.Close()

	x, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer x.Close()
	m, ok, err := x.Message(context.Background(), -100, 1)
	if err != nil || !ok || m.Text != "hello" {
		t.Fatalf("message = %+v %v %v", m, ok, err)
	}
	chats, _ := x.Chats(context.Background())
	if len(chats) != 1 || chats[0].Type != "supergroup" {
		t.Fatalf("chats = %+v", chats)
	}
}

func TestInMemory(t *testing.T) {
	x, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer x.Close()
	seed(t, x, 5, Message{ID: 1})
	if _, ok, _ := x.Message(context.Background(), 5, 1); !ok {
		t.Fatal("in-memory index lost a message")
	}
}
