package main

import "github.com/locusai/locus/internal/cli"

func main() {
	cli.Execute()
}
