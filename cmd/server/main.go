package main

import (
	"context"
	"log"

	_ "github.com/joho/godotenv/autoload"

	"github.com/docsrv/ingest/internal/server"
	"github.com/docsrv/ingest/internal/server/config"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}
}
