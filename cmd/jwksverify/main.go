package main

import (
	"github.com/turtacn/jwksverify/cmd/cli"
)

// main is the entry point for the jwksverify command-line tool.
func main() {
	cli.Execute()
}
