package main

import "outcraftly/cmd"

func main() {
	cmd.Execute()
}
