package ws

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// newConnID returns a registry-unique connection id. The time prefix keeps
// ids roughly sortable in logs; the random suffix breaks same-instant
// collisions.
func newConnID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "conn-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "conn-" + strconv.FormatInt(time.Now().Unix(), 36) + "-" + hex.EncodeToString(buf)
}
