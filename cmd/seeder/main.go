package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "github.com/lib/pq"
)

// Applies the schema migration and the development seed data. Intended for
// local development and CI; production schema changes go through a proper
// migration pipeline.
func main() {
	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		// Fall back to reading .env manually since godotenv isn't here
		data, _ := os.ReadFile(".env")
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "POSTGRES_URL=") {
				postgresURL = strings.TrimPrefix(line, "POSTGRES_URL=")
				break
			}
		}
	}

	if postgresURL == "" {
		log.Fatal("POSTGRES_URL not found")
	}

	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("Ping failed:", err)
	}

	fmt.Println("Connected to DB")

	// 1. Run migrations
	fmt.Println("Running migrations...")
	migrationFile, err := os.ReadFile("../../migrations/001_initial_schema.up.sql")
	if err != nil {
		// Try local path if running from root
		migrationFile, err = os.ReadFile("migrations/001_initial_schema.up.sql")
		if err != nil {
			log.Fatal("Could not find migration file:", err)
		}
	}

	// Exec the whole migration file at once. lib/pq supports multiple statements in Exec
	_, err = db.Exec(string(migrationFile))
	if err != nil {
		log.Printf("Migration warning (might be already applied): %v\n", err)
	} else {
		fmt.Println("Migrations applied successfully")
	}

	// 2. Run seed data
	fmt.Println("Seeding data...")
	seedFile, err := os.ReadFile("test_seed.sql")
	if err != nil {
		// Try alternate path
		seedFile, err = os.ReadFile("../../test_seed.sql")
		if err != nil {
			log.Fatal(err)
		}
	}

	// Split by semicolon for seed data (simple inserts)
	statements := strings.Split(string(seedFile), ";")

	for _, statement := range statements {
		statement = strings.TrimSpace(statement)
		if statement == "" {
			continue
		}
		if _, err := db.Exec(statement); err != nil {
			fmt.Printf("Error executing statement: %v\nStatement: %s\n", err, statement)
		}
	}

	fmt.Println("Seeding complete")
	fmt.Println("Dev API key: fermata_test_key_1234567890 (tenant_demo_1)")
}
