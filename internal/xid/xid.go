package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a prefixed identifier built on a version 7 UUID: the leading
// 48 bits are a millisecond timestamp, so identifiers sort by creation time,
// and the remaining bits are random, so two calls within the same clock tick
// never collide.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
		}
		return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
	}
	return prefix + "-" + id.String()
}
