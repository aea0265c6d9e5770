// Uniquectl is a debug/ops CLI for the uniqued daemon.
package main

import "github.com/dantte-lp/uniqued/cmd/uniquectl/commands"

func main() {
	commands.Execute()
}
