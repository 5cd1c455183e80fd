// Package console holds the interactive prompts: picking a run mode and
// editing the tracked and blacklist lists.
package console

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/tgguard/tgguard/pkg/config"
	"github.com/tgguard/tgguard/pkg/directory"
)

var ErrAborted = errors.New("aborted")

// LineReader is the part of *readline.Instance the prompts use.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Close() error
}

type Console struct {
	rl  LineReader
	out io.Writer
}

// New opens a readline console whose history lives in historyFile.
func New(historyFile string) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile,
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("open console: %w", err)
	}
	return &Console{rl: rl, out: os.Stdout}, nil
}

func NewWithReader(rl LineReader, out io.Writer) *Console {
	return &Console{rl: rl, out: out}
}

func (c *Console) Close() error {
	return c.rl.Close()
}

var modeDescriptions = map[string]string{
	config.ModeScan:     "scan for tracked users and alert on joins",
	config.ModePurgeAll: "purge all blacklisted messages, then guard live",
	config.ModeNewOnly:  "only delete new blacklisted messages",
	config.ModeCombined: "scan and purge_all together",
}

// ChooseMode asks for a run mode. An empty answer picks def.
func (c *Console) ChooseMode(def string) (string, error) {
	fmt.Fprintln(c.out, "Select a mode:")
	for i, m := range config.Modes {
		marker := " "
		if m == def {
			marker = "*"
		}
		fmt.Fprintf(c.out, " %s %d) %-10s %s\n", marker, i+1, m, modeDescriptions[m])
	}
	c.rl.SetPrompt("mode> ")
	for {
		line, err := c.readLine()
		if err != nil {
			return "", err
		}
		mode, err := ParseModeChoice(line, def)
		if err == nil {
			return mode, nil
		}
		fmt.Fprintln(c.out, err)
	}
}

// ParseModeChoice accepts a 1-based index or a mode name.
func ParseModeChoice(line, def string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(line); err == nil {
		if n < 1 || n > len(config.Modes) {
			return "", fmt.Errorf("choose 1..%d", len(config.Modes))
		}
		return config.Modes[n-1], nil
	}
	for _, m := range config.Modes {
		if strings.EqualFold(line, m) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", line)
}

// Lists is the editable copy of the user lists.
type Lists struct {
	Tracked   []string
	Blacklist []string
}

func (l *Lists) list(name string) (*[]string, error) {
	switch name {
	case "tracked", "t":
		return &l.Tracked, nil
	case "blacklist", "b":
		return &l.Blacklist, nil
	}
	return nil, fmt.Errorf("unknown list %q (tracked or blacklist)", name)
}

const listHelp = `Commands:
  show                       print both lists
  add <list> <handle>...     add @usernames or numeric ids
  rm <list> <handle>...      remove entries
  save                       save and exit
  quit                       exit without saving`

// Apply runs one editor command against l. done is set by save or quit, and
// save reports whether the caller should persist the lists.
func (l *Lists) Apply(line string) (reply string, done, save bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false, false, nil
	}
	switch strings.ToLower(fields[0]) {
	case "help", "?":
		return listHelp, false, false, nil
	case "show", "ls":
		return l.String(), false, false, nil
	case "save":
		return "saved", true, true, nil
	case "quit", "exit", "q":
		return "", true, false, nil
	case "add", "rm":
		if len(fields) < 3 {
			return "", false, false, fmt.Errorf("usage: %s <list> <handle>...", fields[0])
		}
		target, err := l.list(strings.ToLower(fields[1]))
		if err != nil {
			return "", false, false, err
		}
		handles, err := directory.ParseHandles(fields[2:])
		if err != nil {
			return "", false, false, err
		}
		raw := make([]string, 0, len(handles))
		for _, h := range handles {
			raw = append(raw, h.String())
		}
		if fields[0] == "add" {
			before := len(*target)
			*target = directory.Merge(*target, raw...)
			return fmt.Sprintf("added %d", len(*target)-before), false, false, nil
		}
		var removed int
		*target, removed = remove(*target, raw)
		return fmt.Sprintf("removed %d", removed), false, false, nil
	}
	return "", false, false, fmt.Errorf("unknown command %q, try help", fields[0])
}

func remove(list, drop []string) ([]string, int) {
	gone := make(map[string]bool, len(drop))
	for _, d := range drop {
		gone[strings.ToLower(directory.NormalizeUsername(d))] = true
	}
	out := list[:0]
	for _, item := range list {
		if !gone[strings.ToLower(directory.NormalizeUsername(item))] {
			out = append(out, item)
		}
	}
	return out, len(list) - len(out)
}

func (l *Lists) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tracked (%d):", len(l.Tracked))
	for _, h := range l.Tracked {
		fmt.Fprintf(&b, "\n  %s", h)
	}
	fmt.Fprintf(&b, "\nblacklist (%d):", len(l.Blacklist))
	for _, h := range l.Blacklist {
		fmt.Fprintf(&b, "\n  %s", h)
	}
	return b.String()
}

// EditLists runs the list editor. It returns the edited lists and whether
// the user asked to save them.
func (c *Console) EditLists(tracked, blacklist []string) (Lists, bool, error) {
	l := Lists{
		Tracked:   append([]string(nil), tracked...),
		Blacklist: append([]string(nil), blacklist...),
	}
	fmt.Fprintln(c.out, l.String())
	fmt.Fprintln(c.out, listHelp)
	c.rl.SetPrompt("lists> ")
	for {
		line, err := c.readLine()
		if err != nil {
			return l, false, err
		}
		reply, done, save, err := l.Apply(line)
		if err != nil {
			fmt.Fprintln(c.out, err)
			continue
		}
		if reply != "" {
			fmt.Fprintln(c.out, reply)
		}
		if done {
			return l, save, nil
		}
	}
}

func (c *Console) readLine() (string, error) {
	line, err := c.rl.Readline()
	if err == readline.ErrInterrupt || err == io.EOF {
		return "", ErrAborted
	}
	return line, err
}
