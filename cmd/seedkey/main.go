package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
)

func main() {
	keyID := flag.String("id", "", "seed key id, e.g. k2 (required)")
	secretBytes := flag.Int("bytes", 32, "secret length in random bytes")
	activate := flag.Bool("activate", false, "also point the store's active seed key at this id")
	dbURL := flag.String("db-url", "", "database URL (overrides env, only used with -activate)")
	flag.Parse()

	if *keyID == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nerror: -id is required")
		os.Exit(1)
	}
	if *secretBytes < 16 {
		log.Fatalf("secret must be at least 16 bytes, got %d", *secretBytes)
	}

	// Generate secret
	buf := make([]byte, *secretBytes)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("failed to generate secret: %v", err)
	}
	secret := hex.EncodeToString(buf)

	fmt.Println("=== Sigil Seed Key Generated ===")
	fmt.Println()
	fmt.Println("  Add this entry to keys.yaml (the secret is NOT stored anywhere else):")
	fmt.Println()
	fmt.Printf("  seed_keys:\n")
	fmt.Printf("    - id: %s\n", *keyID)
	fmt.Printf("      secret: \"%s\"\n", secret)
	fmt.Println()

	if !*activate {
		fmt.Printf("  To activate it, set active_seed_key: %s and restart,\n", *keyID)
		fmt.Println("  or run again with -activate, or POST /v1/admin/seed-keys/rotate.")
		fmt.Println()
		fmt.Println("================================")
		return
	}

	// Flip the store's singleton pointer. The service accepts the new
	// id only once the key is present in its keys.yaml, so deploy the
	// config before sending traffic.
	dsn := *dbURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		host := envOrDefault("DB_HOST", "localhost")
		port := envOrDefault("DB_PORT", "5432")
		user := envOrDefault("DB_USER", "sigil")
		pass := envOrDefault("DB_PASSWORD", "sigil-dev")
		name := envOrDefault("DB_NAME", "sigil")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	var active string
	var rotatedAt time.Time
	err = conn.QueryRow(ctx, `
		INSERT INTO seed_key_state (singleton, active_key_id, rotated_at)
		VALUES (TRUE, $1, now())
		ON CONFLICT (singleton) DO UPDATE SET
			active_key_id = EXCLUDED.active_key_id,
			rotated_at = now()
		RETURNING active_key_id, rotated_at
	`, *keyID).Scan(&active, &rotatedAt)
	if err != nil {
		log.Fatalf("failed to activate key: %v", err)
	}

	fmt.Printf("  Active seed key is now %s (rotated at %s).\n", active, rotatedAt.Format(time.RFC3339))
	fmt.Println("  Templates minted before this moment keep their recorded key id.")
	fmt.Println()
	fmt.Println("================================")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
