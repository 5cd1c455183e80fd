// Package directory turns configured user handles into a resolved chat.Directory.
package directory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/logger"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)

// Handle is a parsed user reference: either a numeric id or a username.
type Handle struct {
	Raw      string
	ID       int64
	Username string
}

func (h Handle) String() string {
	if h.Username != "" {
		return "@" + h.Username
	}
	return strconv.FormatInt(h.ID, 10)
}

// NormalizeUsername strips one leading '@'.
func NormalizeUsername(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "@")
}

// ParseHandle accepts "@name", "name" or a numeric id.
func ParseHandle(raw string) (Handle, error) {
	s := NormalizeUsername(raw)
	if s == "" {
		return Handle{}, fmt.Errorf("empty user handle")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id == 0 {
			return Handle{}, fmt.Errorf("invalid user id %q", raw)
		}
		return Handle{Raw: raw, ID: id}, nil
	}
	if !usernamePattern.MatchString(s) {
		return Handle{}, fmt.Errorf("invalid username %q", raw)
	}
	return Handle{Raw: raw, Username: s}, nil
}

// ParseHandles validates every entry and reports all bad ones together.
func ParseHandles(raw []string) ([]Handle, error) {
	out := make([]Handle, 0, len(raw))
	var errs []error
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		h, err := ParseHandle(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		key := strings.ToLower(h.String())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out, errors.Join(errs...)
}

// Resolve looks up each handle. Unknown numeric ids are kept under their id.
// Other handles that cannot be resolved are logged and left out; they are
// returned so callers can report them.
func Resolve(ctx context.Context, r chat.UserResolver, handles []Handle) (chat.Directory, []Handle) {
	dir := make(chat.Directory, len(handles))
	var missing []Handle
	for _, h := range handles {
		u, err := r.ResolveUser(ctx, h.String())
		if err != nil && h.ID != 0 && errors.Is(err, chat.ErrNotFound) {
			// Never seen, but a numeric id is still enough to match senders.
			dir[h.ID] = chat.User{ID: h.ID, DisplayName: strconv.FormatInt(h.ID, 10)}
			continue
		}
		if err != nil {
			logger.WarnCF("directory", "Cannot resolve user", map[string]interface{}{
				"handle": h.String(),
				"error":  err.Error(),
			})
			missing = append(missing, h)
			continue
		}
		if u.DisplayName == "" {
			u.DisplayName = fallbackName(u, h)
		}
		dir[u.ID] = u
	}
	return dir, missing
}

func fallbackName(u chat.User, h Handle) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if h.Username != "" {
		return "@" + h.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

// Merge appends handles not already present, comparing case-insensitively.
func Merge(list []string, extra ...string) []string {
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		seen[strings.ToLower(NormalizeUsername(s))] = struct{}{}
	}
	out := append([]string(nil), list...)
	for _, s := range extra {
		key := strings.ToLower(NormalizeUsername(s))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
