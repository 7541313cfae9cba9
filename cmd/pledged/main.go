// Package main provides pledged, the pledge service and its maintenance commands.
package main

import "github.com/mscno/pledges/cmd/pledged/commands"

func main() {
	commands.Execute(Version)
}
