package ipc

import (
	"fmt"
	"time"
)

// dialTimeout bounds a single connect attempt from the tap. The hook hot
// path must stay in the low milliseconds when the agent is up.
const dialTimeout = 250 * time.Millisecond

// Send dials the endpoint, writes a single framed message, and closes.
// One message per connection is the normative tap pattern.
func Send(addr string, payload []byte) error {
	conn, err := Dial(addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("ipc: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, payload); err != nil {
		return err
	}
	return nil
}
