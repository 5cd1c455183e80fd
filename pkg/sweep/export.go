package sweep

import (
	"context"
	"errors"
	"sort"

	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/logger"
)

// MemberDirectory lists a group's members together with their handles.
type MemberDirectory interface {
	MemberUsers(ctx context.Context, conv chat.Conversation) ([]chat.User, error)
}

var ErrNoMemberDirectory = errors.New("gateway cannot list member handles")

// ExportMembers returns the @handles of conv's members, sorted and unique.
// Broadcast channels have no member list and yield nothing.
func (o *Orchestrator) ExportMembers(ctx context.Context, conv chat.Conversation) ([]string, error) {
	if !conv.Kind.IsGroup() {
		logger.InfoCF("sweep", "Export skipped for non-group conversation", map[string]interface{}{
			"conversation": conv.ID,
			"kind":         conv.Kind.String(),
		})
		return nil, nil
	}
	md, ok := o.gw.(MemberDirectory)
	if !ok {
		return nil, ErrNoMemberDirectory
	}
	users, err := md.MemberUsers(ctx, conv)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(users))
	handles := make([]string, 0, len(users))
	for _, u := range users {
		if u.Username == "" {
			continue
		}
		h := "@" + u.Username
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		handles = append(handles, h)
	}
	sort.Strings(handles)
	logger.InfoCF("sweep", "Exported group members", map[string]interface{}{
		"conversation": conv.ID,
		"handles":      len(handles),
	})
	return handles, nil
}
