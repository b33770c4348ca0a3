package main

import (
	"tenebrinet/cmd/tenebrinet/commands"
)

func main() {
	commands.Execute()
}
