package models

import (
	"sort"
	"strconv"
)

// ConversationID is the canonical identifier of the unordered pair {a, b}:
// the byte length of the smaller id, ":", then both ids sorted and joined with "-".
// The length prefix keeps ids that contain "-" from colliding ({"a-b","c"} vs {"a","b-c"}).
// ConversationID(a, b) == ConversationID(b, a).
func ConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strconv.Itoa(len(pair[0])) + ":" + pair[0] + "-" + pair[1]
}
