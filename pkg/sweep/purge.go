package sweep

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/journal"
	"github.com/tgguard/tgguard/pkg/logger"
)

// PurgeEverywhere deletes every message sent by userID in every scannable
// conversation and returns how many were confirmed deleted.
func (o *Orchestrator) PurgeEverywhere(ctx context.Context, userID int64, displayName string) int {
	return o.Purge(ctx, userID, displayName, "manual").Deleted
}

// Purge is PurgeEverywhere with the full run summary.
func (o *Orchestrator) Purge(ctx context.Context, userID int64, displayName, trigger string) journal.Record {
	rec := journal.Record{
		RunID:   journal.NewRunID(),
		Kind:    journal.KindPurge,
		Trigger: trigger,
		Subject: displayName,
		Started: time.Now().UTC(),
	}
	if displayName == "" {
		rec.Subject = strconv.FormatInt(userID, 10)
	}

	key := "purge:" + strconv.FormatInt(userID, 10)
	if !o.begin(key) {
		logger.WarnCF("sweep", "Purge already running", map[string]interface{}{"user": userID})
		return rec
	}
	defer o.end(key)

	logger.InfoCF("sweep", "Purge started", map[string]interface{}{
		"run_id":  rec.RunID,
		"user":    userID,
		"trigger": trigger,
	})

	convs, err := o.scannable(ctx)
	if err != nil {
		logger.ErrorCF("sweep", "Cannot enumerate conversations", map[string]interface{}{
			"run_id": rec.RunID,
			"error":  err.Error(),
		})
	}

	for _, conv := range convs {
		if ctx.Err() != nil {
			break
		}
		rec.Processed++
		deleted, ok := o.purgeConversation(ctx, conv, userID, nil)
		rec.Deleted += deleted
		if !ok {
			rec.Skipped++
		}
	}

	rec.Finished = time.Now().UTC()
	o.record(rec)

	logger.InfoCF("sweep", "Purge finished", map[string]interface{}{
		"run_id":    rec.RunID,
		"user":      userID,
		"processed": rec.Processed,
		"skipped":   rec.Skipped,
		"deleted":   rec.Deleted,
	})
	_, _ = o.Notify(ctx, fmt.Sprintf("✅ Purge finished: deleted %s messages from %s (%s conversations checked, %s skipped).",
		journal.Count(rec.Deleted), rec.Subject, journal.Count(rec.Processed), journal.Count(rec.Skipped)), false)
	return rec
}

// PurgeAll purges every user in d, in ascending id order, stopping early
// when ctx is done.
func (o *Orchestrator) PurgeAll(ctx context.Context, d chat.Directory, trigger string) []journal.Record {
	ids := d.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	records := make([]journal.Record, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		records = append(records, o.Purge(ctx, id, d.Name(id), trigger))
	}
	return records
}

// purgeConversation deletes sender's messages in conv, keeping those exempt
// returns true for. It reports false when the conversation could not be read.
func (o *Orchestrator) purgeConversation(ctx context.Context, conv chat.Conversation, sender int64, exempt func(chat.MessageRef) bool) (int, bool) {
	seq := o.loc.Locate(ctx, conv, sender)
	if exempt != nil {
		seq = seq.Where(func(m chat.MessageRef) bool { return !exempt(m) })
	}
	ids, err := seq.CollectIDs()

	deleted := 0
	if len(ids) > 0 {
		deleted = o.exec.DeleteAll(ctx, conv, ids)
	}
	if err != nil && ctx.Err() == nil {
		if len(ids) == 0 {
			o.skip(conv, "locate", err)
			return 0, false
		}
		logger.WarnCF("sweep", "History walk ended early", map[string]interface{}{
			"conversation": conv.ID,
			"located":      len(ids),
			"error":        err.Error(),
		})
	}
	return deleted, true
}

// PurgeOwn deletes the agent's own messages everywhere. Direct chats with
// users in exclusions are left alone, and alerts in the status chat are kept.
func (o *Orchestrator) PurgeOwn(ctx context.Context, selfID int64, exclusions chat.Directory) journal.Record {
	rec := journal.Record{
		RunID:   journal.NewRunID(),
		Kind:    journal.KindSelfPurge,
		Trigger: "manual",
		Subject: "self",
		Started: time.Now().UTC(),
	}
	if !o.begin("self-purge") {
		return rec
	}
	defer o.end("self-purge")

	convs, err := o.scannable(ctx)
	if err != nil {
		logger.ErrorCF("sweep", "Cannot enumerate conversations", map[string]interface{}{
			"run_id": rec.RunID,
			"error":  err.Error(),
		})
	}

	keepAlerts := func(m chat.MessageRef) bool {
		return chat.IsAlert(m.Text, o.opts.AlertPrefix)
	}
	for _, conv := range convs {
		if ctx.Err() != nil {
			break
		}
		rec.Processed++
		if conv.Kind == chat.Personal {
			if _, excluded := exclusions[conv.ID]; excluded {
				rec.Excluded++
				logger.InfoCF("sweep", "Self purge keeps excluded chat", map[string]interface{}{
					"conversation": conv.ID,
					"user":         exclusions.Name(conv.ID),
				})
				continue
			}
		}
		var exempt func(chat.MessageRef) bool
		if conv.ID == o.opts.StatusChat.ID {
			exempt = keepAlerts
		}
		deleted, ok := o.purgeConversation(ctx, conv, selfID, exempt)
		rec.Deleted += deleted
		if !ok {
			rec.Skipped++
		}
	}

	rec.Finished = time.Now().UTC()
	o.record(rec)
	logger.InfoCF("sweep", "Self purge finished", map[string]interface{}{
		"run_id":    rec.RunID,
		"processed": rec.Processed,
		"excluded":  rec.Excluded,
		"deleted":   rec.Deleted,
	})
	_, _ = o.Notify(ctx, fmt.Sprintf("✅ Self purge finished.\n\nConversations processed: %s\nExcluded: %s\nMessages deleted: %s",
		journal.Count(rec.Processed), journal.Count(rec.Excluded), journal.Count(rec.Deleted)), true)
	return rec
}
