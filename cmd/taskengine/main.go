package main

import "github.com/JakeFAU/scrape-task-engine/cmd"

func main() {
	cmd.Execute()
}
