package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Key suffixes per document, namespaced by document id, plus two global keys.
const (
	keyPrefix = "collab"

	activeRoomsKey  = keyPrefix + ":active_rooms"
	sessionRoomsKey = keyPrefix + ":sessionIdToRoomIdMapping"
)

func versionKey(docID string) string {
	return fmt.Sprintf("%s:doc:%s:version", keyPrefix, docID)
}

func persistedVersionKey(docID string) string {
	return fmt.Sprintf("%s:doc:%s:persisted_version", keyPrefix, docID)
}

func opsHashKey(docID string) string {
	return fmt.Sprintf("%s:doc:%s:ops_hash", keyPrefix, docID)
}

func opsIndexKey(docID string) string {
	return fmt.Sprintf("%s:doc:%s:ops_index", keyPrefix, docID)
}

func userInfoKey(docID string) string {
	return fmt.Sprintf("%s:doc:%s:user_info", keyPrefix, docID)
}

// pendingPrefix marks a reserved slot. The rest of the value is the
// expected-commit-by deadline in unix milliseconds; the reaper deletes slots
// whose deadline passed without a commit.
const pendingPrefix = "PENDING:"

func pendingSentinel(deadline time.Time) string {
	return fmt.Sprintf("%s%d", pendingPrefix, deadline.UnixMilli())
}

func isPendingPayload(v string) bool {
	return strings.HasPrefix(v, pendingPrefix)
}
