// parley is the terminal voice client.
//
// Usage:
//
//	parley call                 # talk through the default microphone and speaker
//	parley call --viz :7070     # also stream levels and state over a WebSocket
//	parley voices               # list selectable voices
//	parley credential           # mint a credential through the backend
//
// Settings come from the environment (and a local .env file).
package main

import (
	"fmt"
	"os"

	"github.com/antoniostano/parley/cmd/parley/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
