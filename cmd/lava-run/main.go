package main

import (
	"log"
	"os"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	app := newApp()
	app.cli.Version = version + " (" + commit + ")"
	if err := app.cli.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
