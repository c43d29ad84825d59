// Command orderbot runs the example order bot.
package main

import (
	"log"

	"github.com/m3rciful/convobot/core/bootstrap"
	"github.com/m3rciful/convobot/core/cmd"
	"github.com/m3rciful/convobot/internal/orderflow"
)

func main() {
	err := cmd.Run(cmd.Options{
		DefaultConfigPath: "config.yaml",
		Modules:           []bootstrap.Module{orderflow.New()},
	})
	if err != nil {
		log.Fatal(err)
	}
}
