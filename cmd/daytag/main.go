package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vthunder/daytag/internal/llm"
	"github.com/vthunder/daytag/internal/processor"
	"github.com/vthunder/daytag/internal/retrieval"
	"github.com/vthunder/daytag/internal/store"
	"github.com/vthunder/daytag/internal/tagging"
	"github.com/vthunder/daytag/internal/taxonomy"
)

func main() {
	// Load .env file if present (don't error if missing)
	godotenv.Load()

	stateDir := flag.String("state", defaultStateDir(), "Path to state directory")
	taxonomyPath := flag.String("taxonomy", "", "Path to taxonomy YAML (defaults to built-in thresholds)")
	startDate := flag.String("start", time.Now().Format("2006-01-02"), "Start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "End date (YYYY-MM-DD, defaults to start)")
	regenerate := flag.Bool("regenerate", false, "Force full tag re-evaluation for every activity")
	untracked := flag.Bool("untracked", false, "Surface days with note edits but no tracked activity")
	windowDays := flag.Int("window-days", 1, "Retrieval window in days around each activity")
	topK := flag.Int("top-k", 5, "Number of note abstracts retrieved per activity")
	ollamaURL := flag.String("ollama-url", os.Getenv("OLLAMA_URL"), "Ollama base URL")
	embedModel := flag.String("embed-model", os.Getenv("OLLAMA_EMBED_MODEL"), "Ollama embedding model")
	genModel := flag.String("gen-model", os.Getenv("OLLAMA_GEN_MODEL"), "Ollama generation model")
	flag.Parse()

	if *endDate == "" {
		*endDate = *startDate
	}

	st, err := store.Open(*stateDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	log.Printf("Database: %s", st.Path())

	cfg := taxonomy.Default()
	if *taxonomyPath != "" {
		cfg, err = taxonomy.Load(*taxonomyPath)
		if err != nil {
			log.Fatalf("Failed to load taxonomy: %v", err)
		}
		log.Printf("Taxonomy: %s (version %d, %d categories)", *taxonomyPath, cfg.Version, len(cfg.Categories))
	}

	client := llm.NewClient(*ollamaURL, *embedModel, *genModel)

	retriever := retrieval.NewRetriever(st, client)
	tagger := tagging.NewGenerator(client, tagging.NewProseExtractor())

	proc := processor.New(st, retriever, tagger, cfg)
	proc.WindowDays = *windowDays
	proc.TopK = *topK
	proc.DetectUntracked = *untracked

	// Ctrl+C cancels at the next activity boundary; nothing is persisted
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := proc.ProcessRange(ctx, *startDate, *endDate, *regenerate)
	if err != nil {
		if report != nil && report.Cancelled {
			log.Fatalf("Cancelled: %v", err)
		}
		log.Fatalf("Processing failed: %v", err)
	}

	fmt.Println(report)
	for _, f := range report.Failures {
		log.Printf("  failed %v at %s: %v", f.RawActivityIDs, f.Stage, f.Err)
	}
	if len(report.Failures) > 0 {
		os.Exit(1)
	}
}

func defaultStateDir() string {
	if dir := os.Getenv("DAYTAG_STATE_PATH"); dir != "" {
		return dir
	}
	return "state"
}
