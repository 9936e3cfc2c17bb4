// The main package for the keyboxer executable.
package main

import (
	"github.com/JakeFAU/keyboxer/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
