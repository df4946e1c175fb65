// The main package for the taskengine executable.
package main

import (
	"github.com/JakeFAU/scrape-task-engine/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
