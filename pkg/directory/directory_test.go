package directory

import (
	"context"
	"testing"

	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/chat/chattest"
)

func TestParseHandle(t *testing.T) {
	cases := []struct {
		in       string
		id       int64
		username string
		ok       bool
	}{
		{"@spammer", 0, "spammer", true},
		{"spammer", 0, "spammer", true},
		{" 123456 ", 123456, "", true},
		{"@", 0, "", false},
		{"ab", 0, "", false},
		{"bad name", 0, "", false},
		{"0", 0, "", false},
	}
	for _, tc := range cases {
		h, err := ParseHandle(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("ParseHandle(%q) err = %v, ok want %v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && (h.ID != tc.id || h.Username != tc.username) {
			t.Errorf("ParseHandle(%q) = %+v", tc.in, h)
		}
	}
}

func TestParseHandlesJoinsErrorsAndDedupes(t *testing.T) {
	hs, err := ParseHandles([]string{"@alice", "ALICE", "x y", "42", "!"})
	if err == nil {
		t.Fatal("expected an error for bad handles")
	}
	if len(hs) != 2 {
		t.Fatalf("handles = %+v, want alice and 42", hs)
	}
}

func TestResolve(t *testing.T) {
	gw := chattest.New()
	gw.AddUser("@alice", chat.User{ID: 1, DisplayName: "Alice"})
	gw.AddUser("42", chat.User{ID: 42, Username: "bob"})

	hs, err := ParseHandles([]string{"alice", "42", "@ghost"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	dir, missing := Resolve(context.Background(), gw, hs)
	if len(dir) != 2 {
		t.Fatalf("resolved = %+v", dir)
	}
	if dir.Name(1) != "Alice" || dir.Name(42) != "@bob" {
		t.Fatalf("names = %q / %q", dir.Name(1), dir.Name(42))
	}
	if len(missing) != 1 || missing[0].Username != "ghost" {
		t.Fatalf("missing = %+v", missing)
	}
}

func TestMerge(t *testing.T) {
	got := Merge([]string{"@alice"}, "@Alice", "@bob", "", "bob")
	if len(got) != 2 || got[1] != "@bob" {
		t.Fatalf("merged = %v", got)
	}
}

func TestResolveKeepsUnknownNumericIDs(t *testing.T) {
	gw := chattest.New()
	hs, err := ParseHandles([]string{"777"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	dir, missing := Resolve(context.Background(), gw, hs)
	if len(missing) != 0 {
		t.Fatalf("missing = %+v", missing)
	}
	if dir.Name(777) != "777" {
		t.Fatalf("dir = %+v", dir)
	}
}
