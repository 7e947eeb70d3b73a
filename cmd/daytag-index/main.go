package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vthunder/daytag/internal/index"
	"github.com/vthunder/daytag/internal/llm"
	"github.com/vthunder/daytag/internal/notetree"
	"github.com/vthunder/daytag/internal/store"
)

func main() {
	// Load .env file if present (don't error if missing)
	godotenv.Load()

	stateDir := flag.String("state", defaultStateDir(), "Path to state directory")
	windowHours := flag.Int("window", 24, "Index blocks edited in the last N hours")
	ollamaURL := flag.String("ollama-url", os.Getenv("OLLAMA_URL"), "Ollama base URL")
	embedModel := flag.String("embed-model", os.Getenv("OLLAMA_EMBED_MODEL"), "Ollama embedding model")
	genModel := flag.String("gen-model", os.Getenv("OLLAMA_GEN_MODEL"), "Ollama generation model")
	flag.Parse()

	st, err := store.Open(*stateDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	log.Printf("Database: %s", st.Path())

	end := time.Now()
	start := end.Add(-time.Duration(*windowHours) * time.Hour)

	builder := notetree.NewBuilder(st)
	trees, err := builder.BuildActiveTrees(start, end)
	if err != nil {
		log.Fatalf("Failed to build active trees: %v", err)
	}
	if len(trees) == 0 {
		log.Printf("No blocks edited in the last %dh, nothing to index", *windowHours)
		return
	}
	log.Printf("Active trees: %d pages", len(trees))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := llm.NewClient(*ollamaURL, *embedModel, *genModel)
	gen := index.NewGenerator(client, client, st)

	result, err := gen.GenerateAbstracts(ctx, trees)
	if err != nil {
		log.Fatalf("Abstract generation aborted: %v", err)
	}

	log.Printf("Generated %d abstracts, %d skipped", result.Generated, len(result.Skips))
	for _, skip := range result.Skips {
		log.Printf("  skipped %s: %v", skip.BlockID, skip.Err)
	}
}

func defaultStateDir() string {
	if dir := os.Getenv("DAYTAG_STATE_PATH"); dir != "" {
		return dir
	}
	return "state"
}
