// Package idempotency builds the deterministic dedup keys used to collapse
// duplicate message_ids on WAL replay; duplicates are resolved by keeping
// the latest state.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	KeyVersion = "v1"

	MaxProjectLen = 64
	MaxItemLen    = 64
	MaxKeyLen     = 256
)

var ErrInvalidKey = errors.New("idempotency: invalid key")

// Key identifies one message within one host's processing scope. The same
// message_id delivered to two different items (e.g. original + a
// bad_message_handler reroute) is tracked independently.
type Key string

// BuildKey computes "v1:<project>:<item>:<sha256(message_id)>". Hashing the
// message_id rather than embedding it keeps the key length bounded
// regardless of how the upstream system formats its control IDs.
func BuildKey(projectID, itemName, messageID string) (Key, error) {
	project := normalize(projectID, MaxProjectLen)
	item := normalize(itemName, MaxItemLen)
	messageID = strings.TrimSpace(messageID)
	if project == "" || item == "" || messageID == "" {
		return "", ErrInvalidKey
	}
	sum := sha256.Sum256([]byte(messageID))
	key := Key(fmt.Sprintf("%s:%s:%s:%s", KeyVersion, project, item, hex.EncodeToString(sum[:])))
	if len(key) > MaxKeyLen {
		return "", ErrInvalidKey
	}
	return key, nil
}

func normalize(s string, max int) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) > max {
		s = s[:max]
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.' {
			out = append(out, r)
		}
	}
	return string(out)
}
