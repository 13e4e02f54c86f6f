// Command cco is the CCO daemon's entrypoint: a local developer-side
// control plane that watches Claude Code transcript logs, aggregates cost
// and token metrics, and exposes them (plus a terminal and a knowledge
// store) over a loopback HTTP API (see spec §4.L).
package main

import (
	"fmt"
	"os"

	"github.com/cco-dev/claude-code-orchestra/internal/daemon"
)

func main() {
	if err := daemon.Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "cco:", err)
		os.Exit(int(daemon.Code(err)))
	}
}
