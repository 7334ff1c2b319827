package cache

import (
	"fmt"
	"strings"
)

// Key semantics:
// - roomKey(formID):  room membership (ZSet<userId, expireAtUnix>, score=expireAt)
// - namesKey(formID): userId -> displayName map for the room (Hash)
// - cursorKey:        latest cursor JSON per (formID, userId) (String with TTL)

const (
	keyRoomFmt   = "presence:form:{formId:%s}"
	keyNamesFmt  = "presence:form:names:{formId:%s}"
	keyCursorFmt = "presence:cursor:%s:%s"
)

func roomKey(formID string) string { return fmt.Sprintf(keyRoomFmt, formID) }
func namesKey(formID string) string { return fmt.Sprintf(keyNamesFmt, formID) }

func cursorKey(formID, userID string) string {
	return fmt.Sprintf(keyCursorFmt, formID, userID)
}

// formIDFromRoomKey inverts roomKey, unwrapping the hash-tag braces. ok is
// false for anything else matching the presence:form:* scan, namesKey
// included.
func formIDFromRoomKey(k string) (string, bool) {
	const prefix = "presence:form:{formId:"
	if !strings.HasPrefix(k, prefix) || !strings.HasSuffix(k, "}") {
		return "", false
	}
	return k[len(prefix) : len(k)-1], true
}
