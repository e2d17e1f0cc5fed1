package main

import (
	"context"
	"log"
	"os"

	"github.com/esse/crm/internal/buildinfo"
	"github.com/esse/crm/internal/server"
	"github.com/esse/crm/internal/server/config"
)

func main() {
	buildinfo.PrintBuildData(os.Stdout)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	app, err := server.NewApp(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(context.Background()); err != nil {
		log.Fatalf("%v", err)
	}
}
