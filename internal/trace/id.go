package trace

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Minter issues trace and span IDs. Trace IDs are deterministic from
// (session_id, sequence) so records correlate across agent restarts within
// a session; sessions without an ID fall back to fresh-random. Span IDs
// are always fresh-random.
type Minter struct {
	mu   sync.Mutex
	seqs map[string]uint64
}

// NewMinter creates an ID minter with empty sequence state.
func NewMinter() *Minter {
	return &Minter{seqs: make(map[string]uint64)}
}

// TraceID returns the next trace ID for the session. Empty session IDs get
// a random ID; time-based IDs are avoided for their low entropy.
func (m *Minter) TraceID(sessionID string) string {
	if sessionID == "" {
		return "t-" + uuid.NewString()
	}
	m.mu.Lock()
	seq := m.seqs[sessionID]
	m.seqs[sessionID] = seq + 1
	m.mu.Unlock()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write(buf[:])
	return "t-" + hex.EncodeToString(h.Sum(nil))[:32]
}

// SpanID returns a fresh random span ID.
func SpanID() string {
	return prefixedID("s", 16)
}

// ConversationID derives a stable conversation ID from the session, or a
// random one when the session is anonymous.
func ConversationID(sessionID string) string {
	if sessionID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sessionID)).String()
}

// UTCNowISO returns the current UTC time in ISO format with ms precision.
func UTCNowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func prefixedID(prefix string, hexLen int) string {
	b := make([]byte, (hexLen+1)/2)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails
		return fmt.Sprintf("%s-%x", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(b)[:hexLen])
}
