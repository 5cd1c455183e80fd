package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// TailFilter selects entries from a JSON log file.
type TailFilter struct {
	Lines     int
	MinLevel  LogLevel
	Component string
	Keyword   string
}

// Tail returns the last f.Lines entries of the log file at path that pass the
// filter, oldest first. Lines that are not JSON entries are ignored.
func Tail(path string, f TailFilter) ([]LogEntry, error) {
	if f.Lines <= 0 {
		f.Lines = 50
	}
	keyword := strings.ToLower(f.Keyword)

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if ParseLevel(entry.Level) < f.MinLevel {
			continue
		}
		if f.Component != "" && entry.Component != f.Component {
			continue
		}
		if keyword != "" && !entryContains(entry, keyword) {
			continue
		}
		out = append(out, entry)
		if len(out) > f.Lines {
			out = out[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func entryContains(e LogEntry, keyword string) bool {
	if strings.Contains(strings.ToLower(e.Message), keyword) {
		return true
	}
	fields, _ := json.Marshal(e.Fields)
	return strings.Contains(strings.ToLower(string(fields)), keyword)
}

// FormatEntry renders an entry the same way the console line does.
func FormatEntry(e LogEntry) string {
	var fieldStr string
	if len(e.Fields) > 0 {
		fieldStr = " " + formatFields(e.Fields)
	}
	return fmt.Sprintf("[%s] [%s]%s %s%s", e.Timestamp, e.Level, formatComponent(e.Component), e.Message, fieldStr)
}
