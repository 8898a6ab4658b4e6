// talon-agent is the capture daemon for coding-assistant hook events.
package main

import "github.com/ppiankov/talon/internal/cli"

func main() {
	cli.Execute()
}
