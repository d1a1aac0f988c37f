package main

import (
	"os"

	"github.com/YoshitsuguKoike/orchestra/internal/interface/cli"
)

func main() {
	os.Exit(cli.Execute())
}
