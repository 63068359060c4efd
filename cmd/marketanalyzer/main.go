package main

import "market-analyzer/internal/cli"

func main() {
	cli.Execute()
}
