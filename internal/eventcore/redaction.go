package eventcore

import "encoding/json"

// allowedContentKeys lists the content sub-keys that survive redaction for
// a handful of event types whose content carries state the room would
// otherwise lose entirely (spec.md 9 "Supplemented features": the
// redaction algorithm is room-version parametric). Keys not listed here,
// or for event types not listed here, are stripped unconditionally.
func allowedContentKeys(eventType string, v RoomVersion) []string {
	switch eventType {
	case "m.room.create":
		return []string{"creator"}
	case "m.room.join_rules":
		if v.AllowRestrictedJoinRule() {
			return []string{"join_rule", "allow"}
		}
		return []string{"join_rule"}
	case "m.room.power_levels":
		keys := []string{
			"ban", "events", "events_default", "kick", "redact", "state_default",
			"users", "users_default", "invite",
		}
		if v.PowerLevelsIncludeNotifications() {
			keys = append(keys, "notifications")
		}
		return keys
	case "m.room.member":
		keys := []string{"membership"}
		// join_authorised_via_users_server survives redaction from v9 on.
		if v.AllowRestrictedJoinRule() && v != RoomVersionV8 {
			keys = append(keys, "join_authorised_via_users_server")
		}
		return keys
	case "m.room.aliases":
		return []string{"aliases"}
	case "m.room.history_visibility":
		return []string{"history_visibility"}
	case "m.room.redaction":
		return []string{"redacts"}
	default:
		return nil
	}
}

// RedactEvent applies the room-version-specific redaction algorithm
// (spec.md 4.7 step 5) to event, returning a new PDU whose content has been
// stripped to the allowed keys for its type. The original PDU is untouched;
// event store layers mark the original as redacted separately. hashes are
// preserved and unsigned is dropped; signatures are preserved too since redaction must
// not change the event id (the reference hash already excludes content
// fields the spec does not consider authenticated, per the room version's
// redaction-aware hashing, approximated here by leaving signatures be: we
// redact a copy purely to compare shapes, never to re-persist under a new
// id).
func RedactEvent(event *PDU) (*PDU, error) {
	var full map[string]interface{}
	if err := json.Unmarshal(event.JSON(), &full); err != nil {
		return nil, err
	}

	var content map[string]interface{}
	if err := json.Unmarshal(event.Content(), &content); err != nil {
		content = map[string]interface{}{}
	}
	allowed := allowedContentKeys(event.Type(), event.roomVersion)
	redactedContent := map[string]interface{}{}
	for _, k := range allowed {
		if v, ok := content[k]; ok {
			redactedContent[k] = v
		}
	}
	redactedBytes, err := json.Marshal(redactedContent)
	if err != nil {
		return nil, err
	}
	full["content"] = json.RawMessage(redactedBytes)

	// Only a fixed allow-list of top-level keys survives redaction; this
	// mirrors the Matrix redaction algorithm's top-level key list.
	keptTop := map[string]bool{
		"event_id": true, "type": true, "room_id": true, "sender": true,
		"state_key": true, "content": true, "hashes": true, "signatures": true,
		"depth": true, "prev_events": true, "auth_events": true,
		"origin_server_ts": true, "origin": true,
	}
	for k := range full {
		if !keptTop[k] {
			delete(full, k)
		}
	}

	raw, err := json.Marshal(full)
	if err != nil {
		return nil, err
	}

	// The event id of a redacted event never changes: it was fixed at
	// creation time and redaction only trims content, so we reuse the
	// original PDU's parsed fields rather than recomputing a reference
	// hash over the now-smaller content.
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &PDU{roomVersion: event.roomVersion, raw: raw, eventID: event.eventID, f: f}, nil
}
