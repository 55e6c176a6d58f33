package main

import "prize-vault/internal/cli"

func main() {
	cli.Execute()
}
