// Package chattest provides an in-memory chat.Gateway for tests.
package chattest

import (
	"context"
	"sort"
	"sync"

	"github.com/tgguard/tgguard/pkg/chat"
)

type DeleteCall struct {
	ConversationID int64
	IDs            []int64
}

type ProbeCall struct {
	ConversationID int64
	UserID         int64
}

// Gateway keeps conversations and their histories in memory. Histories are
// stored oldest first and served newest first, PageSize at a time.
type Gateway struct {
	mu sync.Mutex

	PageSize int

	convs   []chat.Conversation
	history map[int64][]chat.MessageRef
	members map[int64]map[int64]bool
	users   map[string]chat.User
	nextID  int64
	deletes []DeleteCall
	probes  []ProbeCall
	lists   []int64
	sent    []chat.MessageRef
	lookups int

	// DeleteHook, when set, runs before each delete call; a non-nil error is
	// returned to the caller and the delete is not applied.
	DeleteHook func(call int, conv chat.Conversation, ids []int64) error
	// PageHook, when set, runs before each page fetch.
	PageHook func(conv chat.Conversation, cursor int64) error
	// ProbeHook, when set, overrides membership lookups.
	ProbeHook    func(conv chat.Conversation, userID int64) (bool, error)
	ListHook     func(conv chat.Conversation) ([]int64, error)
	// SendHook and LookupHook run before the call is served; a non-nil error
	// is returned instead.
	SendHook     func(call int, conv chat.Conversation, text string) error
	LookupHook   func(call int, conv chat.Conversation, id int64) error
	EnumerateErr error
	sends        int
}

func New() *Gateway {
	return &Gateway{
		PageSize: 100,
		history:  make(map[int64][]chat.MessageRef),
		members:  make(map[int64]map[int64]bool),
		users:    make(map[string]chat.User),
		nextID:   1,
	}
}

func (g *Gateway) AddConversation(c chat.Conversation, members ...int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.convs = append(g.convs, c)
	set := make(map[int64]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	g.members[c.ID] = set
}

func (g *Gateway) AddUser(handle string, u chat.User) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users[handle] = u
}

// Post appends n messages from sender to the conversation and returns their ids.
func (g *Gateway) Post(convID, sender int64, n int, text string) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id := g.nextID
		g.nextID++
		g.history[convID] = append(g.history[convID], chat.MessageRef{
			ID:             id,
			ConversationID: convID,
			SenderID:       sender,
			Text:           text,
		})
		ids = append(ids, id)
	}
	return ids
}

func (g *Gateway) SetPinned(convID, msgID int64, pinned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	msgs := g.history[convID]
	for i := range msgs {
		if msgs[i].ID == msgID {
			msgs[i].Pinned = pinned
		}
	}
}

func (g *Gateway) Has(convID, msgID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.findLocked(convID, msgID)
	return ok
}

func (g *Gateway) Count(convID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.history[convID])
}

func (g *Gateway) Deletes() []DeleteCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]DeleteCall, len(g.deletes))
	copy(out, g.deletes)
	return out
}

func (g *Gateway) Probes() []ProbeCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ProbeCall, len(g.probes))
	copy(out, g.probes)
	return out
}

func (g *Gateway) MemberListCalls() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int64, len(g.lists))
	copy(out, g.lists)
	return out
}

func (g *Gateway) Sent() []chat.MessageRef {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]chat.MessageRef, len(g.sent))
	copy(out, g.sent)
	return out
}

// Lookups counts LookupMessage calls, including rejected ones.
func (g *Gateway) Lookups() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lookups
}

// SendAttempts counts SendMessage calls, including rejected ones.
func (g *Gateway) SendAttempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sends
}

func (g *Gateway) EnumerateConversations(ctx context.Context) ([]chat.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.EnumerateErr != nil {
		return nil, g.EnumerateErr
	}
	out := make([]chat.Conversation, len(g.convs))
	copy(out, g.convs)
	return out, nil
}

func (g *Gateway) FetchMessagePage(ctx context.Context, conv chat.Conversation, cursor int64, sender int64) (chat.Page, error) {
	if g.PageHook != nil {
		if err := g.PageHook(conv, cursor); err != nil {
			return chat.Page{}, err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	msgs := g.history[conv.ID]
	var page chat.Page
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if cursor != 0 && m.ID >= cursor {
			continue
		}
		if sender != 0 && m.SenderID != sender {
			continue
		}
		if len(page.Messages) == g.PageSize {
			page.Next = page.Messages[len(page.Messages)-1].ID
			return page, nil
		}
		page.Messages = append(page.Messages, m)
	}
	page.Done = true
	return page, nil
}

func (g *Gateway) DeleteMessages(ctx context.Context, conv chat.Conversation, ids []int64) error {
	g.mu.Lock()
	call := len(g.deletes)
	cp := make([]int64, len(ids))
	copy(cp, ids)
	g.deletes = append(g.deletes, DeleteCall{ConversationID: conv.ID, IDs: cp})
	hook := g.DeleteHook
	g.mu.Unlock()

	if hook != nil {
		if err := hook(call, conv, ids); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	msgs := g.history[conv.ID]
	kept := msgs[:0]
	removed := 0
	for _, m := range msgs {
		if drop[m.ID] {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	g.history[conv.ID] = kept
	if removed == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (g *Gateway) ProbeMembership(ctx context.Context, conv chat.Conversation, userID int64) (bool, error) {
	g.mu.Lock()
	g.probes = append(g.probes, ProbeCall{ConversationID: conv.ID, UserID: userID})
	hook := g.ProbeHook
	present := g.members[conv.ID][userID]
	g.mu.Unlock()

	if hook != nil {
		return hook(conv, userID)
	}
	if !present {
		return false, chat.ErrNotParticipant
	}
	return true, nil
}

func (g *Gateway) ListMembers(ctx context.Context, conv chat.Conversation) ([]int64, error) {
	g.mu.Lock()
	g.lists = append(g.lists, conv.ID)
	hook := g.ListHook
	set := g.members[conv.ID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	g.mu.Unlock()

	if hook != nil {
		return hook(conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (g *Gateway) SendMessage(ctx context.Context, conv chat.Conversation, text string) (chat.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends++
	if g.SendHook != nil {
		if err := g.SendHook(g.sends, conv, text); err != nil {
			return chat.MessageRef{}, err
		}
	}
	m := chat.MessageRef{ID: g.nextID, ConversationID: conv.ID, Text: text}
	g.nextID++
	g.history[conv.ID] = append(g.history[conv.ID], m)
	g.sent = append(g.sent, m)
	return m, nil
}

func (g *Gateway) LookupMessage(ctx context.Context, conv chat.Conversation, id int64) (chat.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups++
	if g.LookupHook != nil {
		if err := g.LookupHook(g.lookups, conv, id); err != nil {
			return chat.MessageRef{}, err
		}
	}
	m, ok := g.findLocked(conv.ID, id)
	if !ok {
		return chat.MessageRef{}, chat.ErrNotFound
	}
	return m, nil
}

func (g *Gateway) ResolveUser(ctx context.Context, handle string) (chat.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.users[handle]
	if !ok {
		return chat.User{}, chat.ErrNotFound
	}
	return u, nil
}

func (g *Gateway) findLocked(convID, msgID int64) (chat.MessageRef, bool) {
	for _, m := range g.history[convID] {
		if m.ID == msgID {
			return m, true
		}
	}
	return chat.MessageRef{}, false
}

func (g *Gateway) MemberUsers(ctx context.Context, conv chat.Conversation) ([]chat.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.members[conv.ID]
	var out []chat.User
	for _, u := range g.users {
		if set[u.ID] {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
