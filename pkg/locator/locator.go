// Package locator pages through a conversation's history lazily.
package locator

import (
	"context"

	"github.com/tgguard/tgguard/pkg/chat"
)

type PageFetcher interface {
	FetchMessagePage(ctx context.Context, conv chat.Conversation, cursor int64, sender int64) (chat.Page, error)
}

// Filter decides whether a located message is yielded. Nil yields everything.
type Filter func(chat.MessageRef) bool

type Locator struct {
	gw PageFetcher
}

func New(gw PageFetcher) *Locator {
	return &Locator{gw: gw}
}

// Locate starts a fresh, newest-first walk over messages sent by sender
// (zero means any sender).
func (l *Locator) Locate(ctx context.Context, conv chat.Conversation, sender int64) *Sequence {
	return &Sequence{ctx: ctx, gw: l.gw, conv: conv, sender: sender}
}

// Sequence yields messages one at a time, fetching pages on demand. A page
// error ends the sequence; everything yielded before it remains valid.
type Sequence struct {
	ctx    context.Context
	gw     PageFetcher
	conv   chat.Conversation
	sender int64
	filter Filter

	buf     []chat.MessageRef
	cursor  int64
	done    bool
	err     error
	pages   int
	current chat.MessageRef
}

// Where narrows the sequence with an extra predicate.
func (s *Sequence) Where(f Filter) *Sequence {
	s.filter = f
	return s
}

func (s *Sequence) Next() bool {
	for {
		for len(s.buf) > 0 {
			m := s.buf[0]
			s.buf = s.buf[1:]
			if s.filter != nil && !s.filter(m) {
				continue
			}
			s.current = m
			return true
		}
		if s.done || s.err != nil {
			return false
		}
		if err := s.ctx.Err(); err != nil {
			s.err = err
			return false
		}
		page, err := s.gw.FetchMessagePage(s.ctx, s.conv, s.cursor, s.sender)
		if err != nil {
			s.err = err
			return false
		}
		s.pages++
		s.buf = page.Messages
		if page.Done || len(page.Messages) == 0 {
			s.done = true
		} else {
			s.cursor = page.Next
		}
	}
}

func (s *Sequence) Message() chat.MessageRef {
	return s.current
}

// Err reports why the sequence stopped early, if it did.
func (s *Sequence) Err() error {
	return s.err
}

func (s *Sequence) Pages() int {
	return s.pages
}

// CollectIDs drains the sequence and returns the ids seen, newest first,
// together with the error that ended it early, if any.
func (s *Sequence) CollectIDs() ([]int64, error) {
	var ids []int64
	for s.Next() {
		ids = append(ids, s.Message().ID)
	}
	return ids, s.Err()
}
