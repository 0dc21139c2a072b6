package main

import (
	"os"

	"github.com/credkeeper/credkeeper/internal/cli"
)

func main() {
	cli.InitCLI()
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
