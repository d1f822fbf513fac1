package main

import (
	"context"
	"log"
	"os"

	"github.com/rawblock/nexus/internal/api"
	"github.com/rawblock/nexus/internal/audit"
	"github.com/rawblock/nexus/internal/coordinator"
)

func main() {
	log.Println("Starting Nexus Neural Key Exchange server...")

	var store *audit.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		var err error
		store, err = audit.Connect(context.Background(), dbURL)
		if err != nil {
			log.Printf("Warning: failed to connect to PostgreSQL, continuing without sync audit history. Error: %v", err)
		} else {
			defer store.Close()
			if err := store.InitSchema(context.Background()); err != nil {
				log.Printf("Warning: audit schema init failed: %v", err)
			}
		}
	} else {
		log.Println("DATABASE_URL not set — running without sync audit persistence")
	}

	coord := coordinator.New(store)
	router := api.NewRouter(coord)

	port := getEnvOrDefault("PORT", "8000")
	log.Printf("Nexus listening on :%s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
