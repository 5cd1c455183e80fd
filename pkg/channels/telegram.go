package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/tgguard/tgguard/pkg/bus"
	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/config"
	"github.com/tgguard/tgguard/pkg/index"
	"github.com/tgguard/tgguard/pkg/logger"
)

const (
	// PageSize is how many indexed messages one history page holds.
	PageSize       = 100
	telegramMaxLen = 4096
)

// botAPI is the part of *telego.Bot the gateway calls per request.
type botAPI interface {
	DeleteMessages(ctx context.Context, params *telego.DeleteMessagesParams) error
	GetChatMember(ctx context.Context, params *telego.GetChatMemberParams) (telego.ChatMember, error)
	GetChat(ctx context.Context, params *telego.GetChatParams) (*telego.ChatFullInfo, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// TelegramGateway serves chat.Gateway on top of the Bot API. History and
// membership come from the local index, which the long-polling loop keeps
// current.
type TelegramGateway struct {
	bot     *telego.Bot
	api     botAPI
	index   *index.Index
	bus     *bus.MessageBus
	limiter *rate.Limiter
	config  config.TelegramConfig
	selfID  int64

	mu      sync.RWMutex
	running bool
	polling sync.WaitGroup
}

func NewTelegramGateway(cfg config.TelegramConfig, idx *index.Index, mb *bus.MessageBus) (*TelegramGateway, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	g := newGateway(bot, idx, mb, cfg)
	g.bot = bot
	return g, nil
}

func newGateway(api botAPI, idx *index.Index, mb *bus.MessageBus, cfg config.TelegramConfig) *TelegramGateway {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 25
	}
	return &TelegramGateway{
		api:     api,
		index:   idx,
		bus:     mb,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		config:  cfg,
	}
}

// SelfID is the bot's own user id, known after Start.
func (g *TelegramGateway) SelfID() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.selfID
}

func (g *TelegramGateway) IsRunning() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}

// Start identifies the bot and begins long polling. Updates are recorded in
// the index and published on the bus until ctx is done.
func (g *TelegramGateway) Start(ctx context.Context) error {
	if g.bot == nil {
		return errors.New("telegram bot not configured")
	}
	logger.InfoC("telegram", "Starting Telegram bot (polling mode)...")

	me, err := g.Identify(ctx)
	if err != nil {
		return err
	}

	timeout := g.config.PollTimeout
	if timeout <= 0 {
		timeout = 30
	}
	updates, err := g.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        timeout,
		AllowedUpdates: []string{"message", "edited_message", "channel_post", "my_chat_member", "chat_member"},
	})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	g.mu.Lock()
	g.running = true
	g.mu.Unlock()
	logger.InfoCF("telegram", "Telegram bot connected", map[string]interface{}{
		"username": me.Username,
		"id":       me.ID,
	})

	g.polling.Add(1)
	go func() {
		defer g.polling.Done()
		defer func() {
			g.mu.Lock()
			g.running = false
			g.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					logger.InfoC("telegram", "Updates channel closed")
					return
				}
				g.handleUpdate(ctx, update)
			}
		}
	}()

	return nil
}

// Wait blocks until the polling loop started by Start has returned. The
// update being handled when ctx ends is finished first.
func (g *TelegramGateway) Wait() {
	g.polling.Wait()
}

// Identify asks Telegram who the bot is and remembers its id.
func (g *TelegramGateway) Identify(ctx context.Context) (chat.User, error) {
	if g.bot == nil {
		return chat.User{}, errors.New("telegram bot not configured")
	}
	me, err := g.bot.GetMe(ctx)
	if err != nil {
		return chat.User{}, fmt.Errorf("failed to identify bot: %w", err)
	}
	g.mu.Lock()
	g.selfID = me.ID
	g.mu.Unlock()
	return chat.User{ID: me.ID, Username: me.Username, DisplayName: fullName(me.FirstName, me.LastName)}, nil
}

// Conversation describes chatID, asking Telegram when the index has never
// seen it.
func (g *TelegramGateway) Conversation(ctx context.Context, chatID int64) (chat.Conversation, error) {
	c, ok, err := g.index.Chat(ctx, chatID)
	if err != nil {
		return chat.Conversation{}, err
	}
	if ok {
		return conversationOf(c), nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return chat.Conversation{}, err
	}
	info, err := g.api.GetChat(ctx, &telego.GetChatParams{ChatID: tu.ID(chatID)})
	if err != nil {
		return chat.Conversation{}, mapAPIError(err)
	}
	return g.observeChat(ctx, telego.Chat{
		ID:        info.ID,
		Type:      info.Type,
		Title:     info.Title,
		Username:  info.Username,
		FirstName: info.FirstName,
		LastName:  info.LastName,
	}), nil
}

func (g *TelegramGateway) EnumerateConversations(ctx context.Context) ([]chat.Conversation, error) {
	chats, err := g.index.Chats(ctx)
	if err != nil {
		return nil, err
	}
	convs := make([]chat.Conversation, 0, len(chats))
	for _, c := range chats {
		convs = append(convs, conversationOf(c))
	}
	return convs, nil
}

func (g *TelegramGateway) FetchMessagePage(ctx context.Context, conv chat.Conversation, cursor int64, sender int64) (chat.Page, error) {
	msgs, err := g.index.Page(ctx, conv.ID, sender, cursor, PageSize)
	if err != nil {
		return chat.Page{}, err
	}
	page := chat.Page{Done: len(msgs) < PageSize}
	for _, m := range msgs {
		page.Messages = append(page.Messages, refOf(m))
	}
	if n := len(msgs); n > 0 {
		page.Next = msgs[n-1].ID
	} else {
		page.Done = true
	}
	return page, nil
}

func (g *TelegramGateway) DeleteMessages(ctx context.Context, conv chat.Conversation, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	msgIDs := make([]int, len(ids))
	for i, id := range ids {
		msgIDs[i] = int(id)
	}
	err := g.api.DeleteMessages(ctx, &telego.DeleteMessagesParams{
		ChatID:     tu.ID(conv.ID),
		MessageIDs: msgIDs,
	})
	err = mapAPIError(err)
	if err == nil || errors.Is(err, chat.ErrNotFound) {
		if _, ferr := g.index.ForgetMessages(ctx, conv.ID, ids); ferr != nil {
			logger.WarnCF("telegram", "Failed to forget deleted messages", map[string]interface{}{
				"chat_id": conv.ID,
				"error":   ferr.Error(),
			})
		}
	}
	return err
}

func (g *TelegramGateway) ProbeMembership(ctx context.Context, conv chat.Conversation, userID int64) (bool, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return false, err
	}
	member, err := g.api.GetChatMember(ctx, &telego.GetChatMemberParams{
		ChatID: tu.ID(conv.ID),
		UserID: userID,
	})
	if err != nil {
		return false, mapAPIError(err)
	}
	present := isPresent(member.MemberStatus())
	if err := g.index.MarkMember(ctx, conv.ID, userID, present); err != nil {
		logger.DebugCF("telegram", "Failed to record probed member", map[string]interface{}{"error": err.Error()})
	}
	if !present {
		return false, chat.ErrNotParticipant
	}
	return true, nil
}

// ListMembers returns the members the bot has observed; the Bot API has no
// full member listing.
func (g *TelegramGateway) ListMembers(ctx context.Context, conv chat.Conversation) ([]int64, error) {
	return g.index.Members(ctx, conv.ID)
}

func (g *TelegramGateway) MemberUsers(ctx context.Context, conv chat.Conversation) ([]chat.User, error) {
	return g.index.MemberUsers(ctx, conv.ID)
}

// SendMessage posts text, splitting it at Telegram's length limit. The
// returned reference is the first chunk.
func (g *TelegramGateway) SendMessage(ctx context.Context, conv chat.Conversation, text string) (chat.MessageRef, error) {
	var first chat.MessageRef
	for i, chunk := range splitLargeMessage(text, telegramMaxLen) {
		if err := g.limiter.Wait(ctx); err != nil {
			return first, err
		}
		sent, err := g.api.SendMessage(ctx, tu.Message(tu.ID(conv.ID), chunk))
		if err != nil {
			return first, mapAPIError(err)
		}
		ref := chat.MessageRef{
			ID:             int64(sent.MessageID),
			ConversationID: conv.ID,
			SenderID:       g.SelfID(),
			Text:           chunk,
		}
		g.remember(ctx, sent.Chat, ref, time.Unix(sent.Date, 0))
		if i == 0 {
			first = ref
		}
	}
	return first, nil
}

// LookupMessage reloads a message from the index and asks Telegram whether
// it is the chat's pinned message.
func (g *TelegramGateway) LookupMessage(ctx context.Context, conv chat.Conversation, id int64) (chat.MessageRef, error) {
	m, ok, err := g.index.Message(ctx, conv.ID, id)
	if err != nil {
		return chat.MessageRef{}, err
	}
	if !ok {
		return chat.MessageRef{}, chat.ErrNotFound
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return chat.MessageRef{}, err
	}
	info, err := g.api.GetChat(ctx, &telego.GetChatParams{ChatID: tu.ID(conv.ID)})
	if err != nil {
		return chat.MessageRef{}, mapAPIError(err)
	}
	ref := refOf(m)
	ref.Pinned = info.PinnedMessage != nil && int64(info.PinnedMessage.MessageID) == id
	return ref, nil
}

// ResolveUser accepts a numeric id or a username. Usernames resolve only
// for users the bot has seen.
func (g *TelegramGateway) ResolveUser(ctx context.Context, handle string) (chat.User, error) {
	handle = strings.TrimSpace(handle)
	if id, err := strconv.ParseInt(handle, 10, 64); err == nil {
		if u, ok, err := g.index.User(ctx, id); err != nil {
			return chat.User{}, err
		} else if ok {
			return u, nil
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return chat.User{}, err
		}
		info, err := g.api.GetChat(ctx, &telego.GetChatParams{ChatID: tu.ID(id)})
		if err != nil {
			if errors.Is(mapAPIError(err), chat.ErrInaccessible) {
				return chat.User{}, chat.ErrNotFound
			}
			return chat.User{}, mapAPIError(err)
		}
		if info.Type != "private" {
			return chat.User{}, chat.ErrNotFound
		}
		u := chat.User{ID: info.ID, Username: info.Username, DisplayName: fullName(info.FirstName, info.LastName)}
		_ = g.index.UpsertUser(ctx, u)
		return u, nil
	}

	u, ok, err := g.index.UserByUsername(ctx, handle)
	if err != nil {
		return chat.User{}, err
	}
	if !ok {
		return chat.User{}, chat.ErrNotFound
	}
	return u, nil
}

func (g *TelegramGateway) handleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		g.handleMessage(ctx, update.Message, bus.NewMessage)
	case update.EditedMessage != nil:
		g.handleMessage(ctx, update.EditedMessage, bus.EditedMessage)
	case update.ChannelPost != nil:
		g.observeChat(ctx, update.ChannelPost.Chat)
	case update.MyChatMember != nil:
		g.handleMyMember(ctx, update.MyChatMember)
	case update.ChatMember != nil:
		g.handleMember(ctx, update.ChatMember)
	}
}

func (g *TelegramGateway) handleMessage(ctx context.Context, message *telego.Message, kind bus.EventKind) {
	conv := g.observeChat(ctx, message.Chat)

	for _, joined := range message.NewChatMembers {
		u := g.observeUser(ctx, joined)
		g.markMember(ctx, conv.ID, u.ID, true)
		g.publish(ctx, bus.Event{Kind: bus.MemberJoined, Conversation: conv, User: u})
	}
	if left := message.LeftChatMember; left != nil {
		u := g.observeUser(ctx, *left)
		g.markMember(ctx, conv.ID, u.ID, false)
		g.publish(ctx, bus.Event{Kind: bus.MemberLeft, Conversation: conv, User: u})
	}

	var sender chat.User
	if message.From != nil {
		sender = g.observeUser(ctx, *message.From)
		if conv.Kind.IsGroup() {
			g.markMember(ctx, conv.ID, sender.ID, true)
		}
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}
	ref := chat.MessageRef{
		ID:             int64(message.MessageID),
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Text:           text,
	}
	g.remember(ctx, message.Chat, ref, time.Unix(message.Date, 0))

	g.publish(ctx, bus.Event{
		Kind:         kind,
		Conversation: conv,
		MessageID:    ref.ID,
		User:         sender,
		Text:         text,
	})
}

func (g *TelegramGateway) handleMyMember(ctx context.Context, upd *telego.ChatMemberUpdated) {
	if isPresent(upd.NewChatMember.MemberStatus()) {
		g.observeChat(ctx, upd.Chat)
		return
	}
	logger.InfoCF("telegram", "Bot removed from chat", map[string]interface{}{
		"chat_id": upd.Chat.ID,
		"title":   upd.Chat.Title,
	})
	if err := g.index.ForgetChat(ctx, upd.Chat.ID); err != nil {
		logger.WarnCF("telegram", "Failed to forget chat", map[string]interface{}{"error": err.Error()})
	}
}

func (g *TelegramGateway) handleMember(ctx context.Context, upd *telego.ChatMemberUpdated) {
	conv := g.observeChat(ctx, upd.Chat)
	u := g.observeUser(ctx, upd.NewChatMember.MemberUser())
	was := isPresent(upd.OldChatMember.MemberStatus())
	now := isPresent(upd.NewChatMember.MemberStatus())
	g.markMember(ctx, conv.ID, u.ID, now)
	switch {
	case now && !was:
		g.publish(ctx, bus.Event{Kind: bus.MemberJoined, Conversation: conv, User: u})
	case was && !now:
		g.publish(ctx, bus.Event{Kind: bus.MemberLeft, Conversation: conv, User: u})
	}
}

func (g *TelegramGateway) observeChat(ctx context.Context, c telego.Chat) chat.Conversation {
	ic := index.Chat{ID: c.ID, Type: c.Type, Title: chatTitle(c)}
	if err := g.index.UpsertChat(ctx, ic); err != nil {
		logger.WarnCF("telegram", "Failed to record chat", map[string]interface{}{
			"chat_id": c.ID,
			"error":   err.Error(),
		})
	}
	return conversationOf(ic)
}

func (g *TelegramGateway) observeUser(ctx context.Context, from telego.User) chat.User {
	u := chat.User{ID: from.ID, Username: from.Username, DisplayName: fullName(from.FirstName, from.LastName)}
	if err := g.index.UpsertUser(ctx, u); err != nil {
		logger.WarnCF("telegram", "Failed to record user", map[string]interface{}{
			"user_id": u.ID,
			"error":   err.Error(),
		})
	}
	return u
}

func (g *TelegramGateway) markMember(ctx context.Context, chatID, userID int64, present bool) {
	if err := g.index.MarkMember(ctx, chatID, userID, present); err != nil {
		logger.WarnCF("telegram", "Failed to record membership", map[string]interface{}{
			"chat_id": chatID,
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

func (g *TelegramGateway) remember(ctx context.Context, c telego.Chat, ref chat.MessageRef, sent time.Time) {
	if c.ID == 0 {
		c.ID = ref.ConversationID
	}
	if c.Type != "" {
		g.observeChat(ctx, c)
	}
	err := g.index.RecordMessage(ctx, index.Message{
		ChatID:   ref.ConversationID,
		ID:       ref.ID,
		SenderID: ref.SenderID,
		Text:     ref.Text,
		SentAt:   sent,
	})
	if err != nil {
		logger.WarnCF("telegram", "Failed to record message", map[string]interface{}{
			"chat_id":    ref.ConversationID,
			"message_id": ref.ID,
			"error":      err.Error(),
		})
	}
}

func (g *TelegramGateway) publish(ctx context.Context, e bus.Event) {
	if g.bus == nil {
		return
	}
	if !g.bus.PublishEvent(ctx, e) {
		logger.DebugCF("telegram", "Event dropped", map[string]interface{}{"kind": e.Kind.String()})
	}
}

func conversationOf(c index.Chat) chat.Conversation {
	return chat.Conversation{
		ID:    c.ID,
		Kind:  chat.Classify(chat.Descriptor{Type: c.Type}),
		Title: c.Title,
	}
}

func refOf(m index.Message) chat.MessageRef {
	return chat.MessageRef{
		ID:             m.ID,
		ConversationID: m.ChatID,
		SenderID:       m.SenderID,
		Text:           m.Text,
	}
}

func isPresent(status string) bool {
	switch status {
	case "left", "kicked", "":
		return false
	default:
		return true
	}
}

func chatTitle(c telego.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	if name := fullName(c.FirstName, c.LastName); name != "" {
		return name
	}
	if c.Username != "" {
		return "@" + c.Username
	}
	return strconv.FormatInt(c.ID, 10)
}

func fullName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}

// mapAPIError translates Bot API failures into the chat error taxonomy.
func mapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	desc := strings.ToLower(apiErr.Description)
	switch {
	case apiErr.ErrorCode == http.StatusTooManyRequests:
		wait := time.Second
		if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
			wait = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
		}
		return chat.Throttled(wait)
	case strings.Contains(desc, "message to delete not found"),
		strings.Contains(desc, "message not found"):
		return fmt.Errorf("%w: %s", chat.ErrNotFound, apiErr.Description)
	case strings.Contains(desc, "user not found"),
		strings.Contains(desc, "member not found"),
		strings.Contains(desc, "participant_id_invalid"):
		return fmt.Errorf("%w: %s", chat.ErrNotParticipant, apiErr.Description)
	case apiErr.ErrorCode == http.StatusForbidden,
		strings.Contains(desc, "chat not found"),
		strings.Contains(desc, "not enough rights"),
		strings.Contains(desc, "chat_admin_required"):
		return fmt.Errorf("%w: %s", chat.ErrInaccessible, apiErr.Description)
	}
	return err
}

// splitLargeMessage splits a message into chunks if it exceeds Telegram's limit
func splitLargeMessage(content string, maxLen int) []string {
	if len(content) <= maxLen {
		return []string{content}
	}

	var chunks []string
	remaining := content

	for len(remaining) > 0 {
		chunkSize := maxLen
		if len(remaining) < chunkSize {
			chunkSize = len(remaining)
		}

		// Try to break at a newline near the limit
		if chunkSize == maxLen {
			lastNewline := strings.LastIndex(remaining[:chunkSize], "\n")
			if lastNewline > maxLen*2/3 {
				chunkSize = lastNewline + 1
			}
		}
		// Never cut inside a multi-byte rune.
		if chunkSize < len(remaining) {
			for chunkSize > 0 && !utf8.RuneStart(remaining[chunkSize]) {
				chunkSize--
			}
			if chunkSize == 0 {
				_, chunkSize = utf8.DecodeRuneInString(remaining)
			}
		}

		chunks = append(chunks, remaining[:chunkSize])
		remaining = remaining[chunkSize:]
	}

	return chunks
}
