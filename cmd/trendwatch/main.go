package main

import "trendwatch/cmd/trendwatch/cmd"

func main() {
	cmd.Execute()
}
