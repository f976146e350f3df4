package main

import (
	"log"
	"os"

	"github.com/akaBetsy/cpss/pkg"
)

var version = "0.0.1"

func main() {
	app := pkg.NewApp(version)
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}
