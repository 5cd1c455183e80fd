package console

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/tgguard/tgguard/pkg/config"
)

type scriptReader struct {
	lines  []string
	prompt string
}

func (s *scriptReader) Readline() (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptReader) SetPrompt(p string) { s.prompt = p }
func (s *scriptReader) Close() error       { return nil }

func TestParseModeChoice(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", config.ModeCombined, true},
		{"1", config.ModeScan, true},
		{"4", config.ModeCombined, true},
		{"NEW_ONLY", config.ModeNewOnly, true},
		{"0", "", false},
		{"9", "", false},
		{"everything", "", false},
	}
	for _, tt := range tests {
		got, err := ParseModeChoice(tt.in, config.ModeCombined)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseModeChoice(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestChooseModeRetriesInvalidInput(t *testing.T) {
	var out bytes.Buffer
	c := NewWithReader(&scriptReader{lines: []string{"7", "purge_all"}}, &out)

	mode, err := c.ChooseMode(config.ModeCombined)
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if mode != config.ModePurgeAll {
		t.Fatalf("mode = %q", mode)
	}
	if !strings.Contains(out.String(), "choose 1..4") {
		t.Fatalf("expected a hint for the bad choice, got %q", out.String())
	}
}

func TestChooseModeEOFAborts(t *testing.T) {
	c := NewWithReader(&scriptReader{}, io.Discard)
	if _, err := c.ChooseMode(config.ModeScan); !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v", err)
	}
}

func TestListsApply(t *testing.T) {
	l := &Lists{Tracked: []string{"@alice"}}

	if _, _, _, err := l.Apply("add blacklist @spammer 777 @Spammer"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(l.Blacklist) != 2 {
		t.Fatalf("blacklist = %v", l.Blacklist)
	}
	reply, _, _, err := l.Apply("rm tracked alice")
	if err != nil || reply != "removed 1" {
		t.Fatalf("rm = %q %v", reply, err)
	}
	if len(l.Tracked) != 0 {
		t.Fatalf("tracked = %v", l.Tracked)
	}
	if _, _, _, err := l.Apply("add friends @bob"); err == nil {
		t.Fatal("unknown list should fail")
	}
	if _, _, _, err := l.Apply("add tracked @ab"); err == nil {
		t.Fatal("invalid handle should fail")
	}
	if _, done, save, _ := l.Apply("save"); !done || !save {
		t.Fatal("save should finish and persist")
	}
	if _, done, save, _ := l.Apply("quit"); !done || save {
		t.Fatal("quit should finish without saving")
	}
}

func TestEditListsSession(t *testing.T) {
	var out bytes.Buffer
	r := &scriptReader{lines: []string{"bogus", "add t @carol", "show", "save"}}
	c := NewWithReader(r, &out)

	l, save, err := c.EditLists([]string{"@alice"}, nil)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !save || len(l.Tracked) != 2 || l.Tracked[1] != "@carol" {
		t.Fatalf("lists = %+v save=%v", l, save)
	}
	if r.prompt != "lists> " {
		t.Fatalf("prompt = %q", r.prompt)
	}
	if !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("output = %q", out.String())
	}
}
