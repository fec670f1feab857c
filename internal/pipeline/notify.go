package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/mcarmelo/tickapp/internal/events"
)

// Notify subscribes to the engine's event bus and delivers exactly
// one Signal message per terminal job state, until ctx is done. It is
// the engine's sole terminal-state observer (spec §9's fourth redesign
// flag: notifications react to job-status events, not per-stage
// hooks), grounded on the mention/emoji/fallback rules the original
// notify_success asset applied.
func (e *Engine) Notify(ctx context.Context) {
	ch := e.bus.Subscribe(32)
	defer e.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			e.handleNotifyEvent(ctx, evt)
		}
	}
}

func (e *Engine) handleNotifyEvent(ctx context.Context, evt events.Event) {
	switch evt.Kind {
	case events.KindJobSucceeded:
		e.sendOutcome(ctx, evt.Data, true)
	case events.KindJobFailed:
		e.sendOutcome(ctx, evt.Data, false)
	}
}

func (e *Engine) sendOutcome(ctx context.Context, data map[string]any, success bool) {
	groupID := stringField(data, "group_id")
	if groupID == "" {
		groupID = e.defaultGroupID
	}
	if groupID == "" {
		e.logger.Warn("no group id for notification, skipping",
			"run_key", stringField(data, "run_key"), "success", success)
		return
	}

	mention := deriveMention(
		stringField(data, "sender_name"),
		stringField(data, "sender_number"),
		stringField(data, "sender_uuid"),
	)

	var text string
	if success {
		text = fmt.Sprintf("@%s ✅ Ticket traité avec succès — %s — %s %s",
			mention, stringField(data, "store_name"), stringField(data, "total"), stringField(data, "currency"))
	} else {
		text = fmt.Sprintf("@%s ❌ Échec du traitement du ticket — %s: %s",
			mention, stringField(data, "error_kind"), stringField(data, "reason"))
	}

	if err := e.signal.SendToGroup(ctx, groupID, text); err != nil {
		e.logger.Error("notification send failed",
			"run_key", stringField(data, "run_key"), "group_id", groupID, "error", err)
	}
}

// deriveMention picks the @-mention for a notification: the sender's
// first name word when a real name is known, else the last four
// digits of their phone number, else the first eight characters of
// their uuid, else a generic fallback. Grounded on the original
// assets' mention rule.
func deriveMention(senderName, senderNumber, senderUUID string) string {
	name := strings.TrimSpace(senderName)
	if name != "" && !isPlaceholderName(name) {
		if fields := strings.Fields(name); len(fields) > 0 {
			return fields[0]
		}
	}
	if senderNumber != "" {
		if len(senderNumber) > 4 {
			return senderNumber[len(senderNumber)-4:]
		}
		return senderNumber
	}
	if senderUUID != "" {
		if len(senderUUID) > 8 {
			return senderUUID[:8]
		}
		return senderUUID
	}
	return "utilisateur"
}

func isPlaceholderName(name string) bool {
	switch strings.ToLower(name) {
	case "unknown", "none", "":
		return true
	default:
		return false
	}
}

func stringField(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
