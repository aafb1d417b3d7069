package main

import "sweetwatch/internal/cli"

func main() {
	cli.Execute()
}
