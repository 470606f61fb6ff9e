// Package ids produces the sortable identifiers used for request correlation.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const maxClientIDLen = 128

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID. IDs from one process sort in creation order.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Accept returns a client supplied id when it is short and printable ASCII,
// and a fresh one otherwise.
func Accept(clientID string) string {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" || len(clientID) > maxClientIDLen {
		return New()
	}
	for i := 0; i < len(clientID); i++ {
		if c := clientID[i]; c < 0x21 || c > 0x7e {
			return New()
		}
	}
	return clientID
}

// Time reports when a ULID produced by New was generated.
func Time(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
