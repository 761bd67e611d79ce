package main

import "fx-cost-desk/internal/cli"

func main() {
	cli.Execute()
}
