package sweep

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/journal"
	"github.com/tgguard/tgguard/pkg/logger"
	"github.com/tgguard/tgguard/pkg/metrics"
)

// Match is one place a tracked user was found.
type Match struct {
	User         chat.User
	Conversation chat.Conversation
}

// ScanPresence reports every scannable conversation a tracked user is in and
// returns the number of matches.
func (o *Orchestrator) ScanPresence(ctx context.Context, tracked chat.Directory) int {
	rec, _ := o.Scan(ctx, tracked, "manual")
	return rec.Matches
}

func (o *Orchestrator) Scan(ctx context.Context, tracked chat.Directory, trigger string) (journal.Record, []Match) {
	rec := journal.Record{
		RunID:   journal.NewRunID(),
		Kind:    journal.KindScan,
		Trigger: trigger,
		Started: time.Now().UTC(),
	}
	if len(tracked) == 0 {
		return rec, nil
	}
	if !o.begin("scan") {
		logger.WarnC("sweep", "Presence scan already running")
		return rec, nil
	}
	defer o.end("scan")

	ids := tracked.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	convs, err := o.scannable(ctx)
	if err != nil {
		logger.ErrorCF("sweep", "Cannot enumerate conversations", map[string]interface{}{
			"run_id": rec.RunID,
			"error":  err.Error(),
		})
	}

	var matches []Match
	for _, conv := range convs {
		if ctx.Err() != nil {
			break
		}
		rec.Processed++
		found, ok := o.scanConversation(ctx, conv, ids)
		if !ok {
			rec.Skipped++
			continue
		}
		for _, id := range found {
			m := Match{User: userOf(tracked, id), Conversation: conv}
			matches = append(matches, m)
			_, _ = o.Notify(ctx, presenceReport(m), false)
		}
	}
	rec.Matches = len(matches)
	rec.Finished = time.Now().UTC()
	o.record(rec)

	logger.InfoCF("sweep", "Presence scan finished", map[string]interface{}{
		"run_id":    rec.RunID,
		"processed": rec.Processed,
		"skipped":   rec.Skipped,
		"matches":   rec.Matches,
	})
	_, _ = o.Notify(ctx, fmt.Sprintf("✅ Presence scan finished: %s matches in %s conversations (%s skipped).",
		journal.Count(rec.Matches), journal.Count(rec.Processed), journal.Count(rec.Skipped)), false)
	return rec, matches
}

func (o *Orchestrator) scanConversation(ctx context.Context, conv chat.Conversation, ids []int64) ([]int64, bool) {
	switch conv.Kind {
	case chat.Personal:
		for _, id := range ids {
			if id == conv.ID {
				return []int64{id}, true
			}
		}
		return nil, true

	case chat.Supergroup:
		var found []int64
		for _, id := range ids {
			present, err := o.probe(ctx, conv, id)
			switch chat.ClassifyError(err) {
			case chat.ClassNone:
				if present {
					found = append(found, id)
				}
			case chat.ClassNotParticipant, chat.ClassNotFound:
			case chat.ClassInaccessible:
				o.skip(conv, "probe", err)
				return nil, false
			default:
				if ctx.Err() != nil {
					return found, true
				}
				logger.WarnCF("sweep", "Membership probe failed", map[string]interface{}{
					"conversation": conv.ID,
					"user":         id,
					"error":        err.Error(),
				})
			}
		}
		return found, true

	case chat.BasicGroup:
		members, err := o.listMembers(ctx, conv)
		if err != nil {
			o.skip(conv, "members", err)
			return nil, false
		}
		set := make(map[int64]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		var found []int64
		for _, id := range ids {
			if _, ok := set[id]; ok {
				found = append(found, id)
			}
		}
		return found, true
	}
	return nil, false
}

// probe retries through throttling the same way deletes do.
func (o *Orchestrator) probe(ctx context.Context, conv chat.Conversation, userID int64) (bool, error) {
	gate := o.exec.Gate()
	for {
		if err := gate.Wait(ctx); err != nil {
			return false, err
		}
		present, err := o.gw.ProbeMembership(ctx, conv, userID)
		d, throttled := chat.RetryAfter(err)
		if !throttled {
			return present, err
		}
		gate.OnThrottled("probe", d)
		metrics.Throttles.Inc()
	}
}

func (o *Orchestrator) listMembers(ctx context.Context, conv chat.Conversation) ([]int64, error) {
	gate := o.exec.Gate()
	for {
		if err := gate.Wait(ctx); err != nil {
			return nil, err
		}
		members, err := o.gw.ListMembers(ctx, conv)
		d, throttled := chat.RetryAfter(err)
		if !throttled {
			return members, err
		}
		gate.OnThrottled("members", d)
		metrics.Throttles.Inc()
	}
}

func userOf(d chat.Directory, id int64) chat.User {
	if u, ok := d[id]; ok {
		if u.ID == 0 {
			u.ID = id
		}
		return u
	}
	return chat.User{ID: id}
}

func displayName(u chat.User) string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Username != "":
		return "@" + u.Username
	default:
		return fmt.Sprintf("%d", u.ID)
	}
}

func presenceReport(m Match) string {
	if m.Conversation.Kind == chat.Personal {
		return fmt.Sprintf("ℹ️ Already in a direct chat: %s", displayName(m.User))
	}
	return fmt.Sprintf("ℹ️ Already in group: %s is a member of «%s»", displayName(m.User), m.Conversation.Title)
}
