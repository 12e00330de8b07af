// broker-keys provisions API keys for the broker. The plaintext key is
// printed exactly once; only its bcrypt hash is stored.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/joho/godotenv"

	"github.com/opsbridge-ai/toolbroker/internal/request"
	"github.com/opsbridge-ai/toolbroker/internal/store"
)

func main() {
	_ = godotenv.Load()

	name := flag.String("name", "", "human-readable key name")
	tier := flag.String("tier", "user", "key tier: user or admin")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "usage: broker-keys -name <name> [-tier user|admin]")
		os.Exit(2)
	}
	if !request.Tier(*tier).IsValid() {
		fmt.Fprintf(os.Stderr, "invalid tier %q\n", *tier)
		os.Exit(2)
	}

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "POSTGRES_DSN is required")
		os.Exit(2)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open postgres: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, plaintext, err := store.NewStore(db).CreateKey(ctx, *name, *tier)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("id:     %s\n", key.ID)
	fmt.Printf("name:   %s\n", key.Name)
	fmt.Printf("tier:   %s\n", key.Tier)
	fmt.Printf("prefix: %s\n", key.KeyPrefix)
	fmt.Printf("key:    %s\n", plaintext)
	fmt.Println("store this key now; it cannot be recovered")
}
