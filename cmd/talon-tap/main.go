// talon-tap is the hook-side sender. Invoked by the host for every hook
// event; reads the payload from stdin and hands it to the local agent.
// Always exits 0: a tracing failure must never break the hook.
package main

import (
	"flag"
	"os"

	"github.com/ppiankov/talon/internal/tap"
)

func main() {
	event := flag.String("event", "", "hook event name")
	socket := flag.String("socket", "", "agent socket (default TALON_SOCK)")
	flag.Parse()

	opts := tap.OptionsFromEnv(tap.Options{
		Event:  *event,
		Socket: *socket,
	})
	_ = tap.Run(opts, os.Stdin)
	os.Exit(0)
}
