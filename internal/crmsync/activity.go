package crmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Subject fields forwarded as timeline event properties. Anything not on
// this list is dropped so arbitrary payload shape never leaks into the CRM.
var activityPropertyFields = []string{
	"id",
	"slug",
	"name",
	"title",
	"status",
	"createdAt",
	"updatedAt",
	"ownerId",
	"isReply",
	"count",
	"postId",
	"reaction",
	"spaceId",
	"memberId",
	"inviterId",
	"private",
	"hidden",
}

// forwardActivity posts a qualifying activity to the acting member's CRM
// timeline. Qualifying means: the event name is allow-listed, the payload
// carries a human-readable description, and the actor is known.
func (e *Engine) forwardActivity(ctx context.Context, crm CRMClient, conn *Connection, data EventData) error {
	if !e.allowList.Allows(data.Name) {
		return nil
	}
	if strings.TrimSpace(data.ShortDescription) == "" || data.Actor == nil || strings.TrimSpace(data.Actor.ID) == "" {
		return nil
	}
	member, err := e.platform.Member(ctx, data.Actor.ID)
	if err != nil {
		return err
	}
	email, err := e.upsertContact(ctx, crm, conn, Contact{Email: member.Email, Name: member.Name})
	if err != nil {
		return err
	}
	event := TimelineEvent{
		Name:       data.ShortDescription,
		OccurredAt: parseActivityTime(data.Time),
		Properties: ProjectActivityProperties(data.Object),
	}
	if err := crm.PostTimelineEvent(ctx, email, event); err != nil {
		return err
	}
	e.metrics.observeTimelineEvent()
	e.logger.Debug("forwarded activity to CRM timeline",
		zap.String("networkId", conn.NetworkID),
		zap.String("event", data.Name),
		zap.String("email", email))
	return nil
}

// ProjectActivityProperties extracts the allow-listed subject fields from an
// activity object, stringified, with nested reaction objects flattened to
// the reaction name and timestamps reformatted for the CRM. An object with
// no id yields no properties.
func ProjectActivityProperties(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	if !truthy(obj["id"]) {
		return nil
	}
	if reaction, ok := obj["reaction"].(map[string]any); ok {
		obj["reaction"] = reaction["reaction"]
	}
	out := map[string]string{}
	for _, key := range activityPropertyFields {
		value, ok := obj[key]
		if !ok || !truthy(value) {
			continue
		}
		text := stringifyProperty(value)
		if key == "createdAt" || key == "updatedAt" {
			if t, err := time.Parse(time.RFC3339, text); err == nil {
				text = FormatCRMTimestamp(t)
			}
		}
		out[key] = text
	}
	return out
}

// truthy mirrors the forwarding predicate: zero values are omitted, not
// forwarded as empty strings.
func truthy(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case string:
		return typed != ""
	case bool:
		return typed
	case float64:
		return typed != 0
	default:
		return true
	}
}

func stringifyProperty(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func parseActivityTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
