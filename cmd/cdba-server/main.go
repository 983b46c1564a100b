// Command cdba-server is the agent binary: one invocation per client
// connection, speaking the framed protocol over its inherited stdin and
// stdout. It is conventionally invoked as the remote
// command of an ssh session the controller opens, never run standalone
// against a terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jangala-dev/cdba-go/agent"
	_ "github.com/jangala-dev/cdba-go/backend"
	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/inventory"
	"github.com/jangala-dev/cdba-go/logx"
)

func main() {
	os.Exit(run())
}

func run() int {
	inventoryPath := flag.String("i", "", "path to the board inventory file (default: ./.cdba or /etc/cdba)")
	flag.Parse()

	var registry *inventory.Registry
	var err error
	if *inventoryPath != "" {
		registry, err = inventory.Load(*inventoryPath)
	} else {
		registry, err = inventory.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdba-server: %v\n", err)
		return 1
	}

	username := agent.Username()
	a, err := agent.New(registry, username, 0, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdba-server: %v\n", err)
		return 1
	}

	if err := a.Run(context.Background()); err != nil {
		// The client hanging up is how every session ends; only
		// report faults beyond plain transport loss.
		if !errcode.Is(err, errcode.TransportEOF) {
			logx.Default.Errorf("cdba-server: %v", err)
			return 1
		}
	}
	return 0
}
