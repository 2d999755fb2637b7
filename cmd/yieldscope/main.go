package main

import "yield-attribution/internal/cli"

func main() {
	cli.Execute()
}
