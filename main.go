package main

import "slackbridge/cmd"

func main() {
	cmd.Execute()
}
