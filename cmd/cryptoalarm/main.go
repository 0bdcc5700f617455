package main

import "cryptoalarm/internal/cli"

func main() {
	cli.Execute()
}
