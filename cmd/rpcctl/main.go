package main

import (
	"os"

	"github.com/ZentaChain/zentalk-rpc/cmd/rpcctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
