// Command crmcache maintains and queries a local synchronized mirror of a
// HubSpot portal: refresh pulls entities into the key-value store and vector
// index, lookup/list/search answer from the mirror without touching the
// remote API.
//
// Usage:
//
//	crmcache refresh [object-type|all]
//	crmcache lookup <object-type> <object-id>
//	crmcache list <object-type>
//	crmcache search <query text...>
//	crmcache delete <object-type> <object-id>
//	crmcache reindex
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/crmkit/crmcache/internal/config"
	"github.com/crmkit/crmcache/internal/crm"
	"github.com/crmkit/crmcache/internal/embed"
	"github.com/crmkit/crmcache/internal/index"
	"github.com/crmkit/crmcache/internal/query"
	"github.com/crmkit/crmcache/internal/refresh"
	"github.com/crmkit/crmcache/internal/storage/badgerkv"
	"github.com/crmkit/crmcache/pkg/types"
)

var (
	topK       = flag.Int("k", 10, "Number of search results")
	searchType = flag.String("type", "", "Restrict search to one object type")
	listLimit  = flag.Int("limit", 50, "Maximum entities to list (0 = all)")
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("crmcache: ")
	log.SetFlags(0)

	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flag.Args()); err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: crmcache [flags] <command> [args]

Commands:
  refresh [object-type|all]        Pull entities from HubSpot into the mirror
  lookup <object-type> <id>        Fetch one cached entity
  list <object-type>               List cached entities, newest first
  search <query text...>           Semantic search over cached entities
  delete <object-type> <id>        Remove one entity from the mirror
  reindex                          Rebuild the vector index from the entity store

Flags:
`)
	flag.PrintDefaults()
}

func run(ctx context.Context, cfg *config.Config, args []string) error {
	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return fmt.Errorf("create data path %s: %w", cfg.Storage.DataPath, err)
	}

	store, err := badgerkv.Open(badgerkv.Options{Dir: badgerkv.DirUnderRoot(cfg.Storage.DataPath)})
	if err != nil {
		return fmt.Errorf("open entity store: %w", err)
	}
	defer func() { _ = store.Close() }()

	cache, err := newEmbeddingCache(cfg, store)
	if err != nil {
		return err
	}
	defer cache.Close()

	idx, err := openIndex(ctx, cfg, store, cache)
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	switch cmd := args[0]; cmd {
	case "refresh":
		return runRefresh(ctx, cfg, store, idx, cache, args[1:])
	case "lookup":
		if len(args) != 3 {
			return errors.New("usage: crmcache lookup <object-type> <object-id>")
		}
		return runLookup(ctx, store, idx, cache, args[1], args[2])
	case "list":
		if len(args) != 2 {
			return errors.New("usage: crmcache list <object-type>")
		}
		return runList(ctx, store, idx, cache, args[1])
	case "search":
		if len(args) < 2 {
			return errors.New("usage: crmcache search <query text...>")
		}
		return runSearch(ctx, store, idx, cache, args[1:])
	case "delete":
		if len(args) != 3 {
			return errors.New("usage: crmcache delete <object-type> <object-id>")
		}
		return runDelete(ctx, store, idx, cache, args[1], args[2])
	case "reindex":
		return runReindex(ctx, store, idx, cache)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// newEmbeddingCache builds the configured embedding generator and wraps it
// in the two-level cache backed by the entity store.
func newEmbeddingCache(cfg *config.Config, store *badgerkv.Store) (*embed.Cache, error) {
	var gen embed.Generator
	switch cfg.Embedding.Provider {
	case "ollama":
		gen = embed.NewOllamaClient(embed.OllamaConfig{
			BaseURL: cfg.Embedding.OllamaURL,
			Model:   cfg.Embedding.OllamaModel,
		})
	case "openai":
		if cfg.Embedding.OpenAIAPIKey == "" {
			return nil, errors.New("embedding provider openai needs CRMCACHE_OPENAI_API_KEY")
		}
		gen = embed.NewOpenAIClient(embed.OpenAIConfig{
			APIKey:  cfg.Embedding.OpenAIAPIKey,
			Model:   cfg.Embedding.OpenAIModel,
			BaseURL: cfg.Embedding.OpenAIURL,
		})
	case "mock":
		gen = embed.NewMock(cfg.Embedding.MockDim)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
	return embed.NewCache(gen, store)
}

// openIndex opens the vector index, recovering from corruption by dropping
// it and rebuilding from the entity store. The index is derived state; the
// key-value store stays authoritative throughout.
func openIndex(ctx context.Context, cfg *config.Config, store *badgerkv.Store, cache *embed.Cache) (*index.Index, error) {
	path := index.PathUnderRoot(cfg.Storage.DataPath)
	idx, err := index.Open(path)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, index.ErrCorrupted) {
		return nil, fmt.Errorf("open index: %w", err)
	}

	log.Printf("index corrupted, rebuilding from entity store: %v", err)
	idx, err = index.Recreate(path)
	if err != nil {
		return nil, fmt.Errorf("recreate index: %w", err)
	}
	orch := refresh.New(nil, store, idx, cache, refresh.Options{})
	rebuilt, skipped, err := orch.Reindex(ctx)
	if err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	log.Printf("index rebuilt: %d entries, %d skipped", rebuilt, skipped)
	return idx, nil
}

func newOrchestrator(cfg *config.Config, store *badgerkv.Store, idx *index.Index, cache *embed.Cache) (*refresh.Orchestrator, error) {
	if cfg.HubSpot.AccessToken == "" {
		return nil, errors.New("CRMCACHE_HUBSPOT_ACCESS_TOKEN is required")
	}
	remote, err := crm.NewHubSpotClient(crm.HubSpotConfig{
		AccessToken:       cfg.HubSpot.AccessToken,
		BaseURL:           cfg.HubSpot.BaseURL,
		RequestsPerSecond: cfg.HubSpot.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("hubspot client: %w", err)
	}
	return refresh.New(remote, store, idx, cache, refresh.Options{
		PageSize: cfg.Refresh.PageSize,
		MaxPages: cfg.Refresh.MaxPages,
	}), nil
}

func runRefresh(ctx context.Context, cfg *config.Config, store *badgerkv.Store, idx *index.Index, cache *embed.Cache, args []string) error {
	orch, err := newOrchestrator(cfg, store, idx, cache)
	if err != nil {
		return err
	}

	target := "all"
	if len(args) > 0 {
		target = args[0]
	}

	objectTypes := types.KnownObjectTypes
	if target != "all" {
		t, err := parseObjectType(target)
		if err != nil {
			return err
		}
		objectTypes = []types.ObjectType{t}
	}

	var failed bool
	for _, t := range objectTypes {
		summary, err := orch.Refresh(ctx, t)
		if err != nil {
			log.Printf("refresh %s: %v", t, err)
			failed = true
		}
		fmt.Printf("%-20s %d entities, %d failures, %d pages\n",
			summary.ObjectType, summary.Count, summary.Failures, summary.Pages)
	}
	if failed {
		return errors.New("refresh finished with errors")
	}
	return nil
}

func runLookup(ctx context.Context, store *badgerkv.Store, idx *index.Index, cache *embed.Cache, rawType, objectID string) error {
	t, err := parseObjectType(rawType)
	if err != nil {
		return err
	}
	svc := query.New(store, idx, cache)
	record, err := svc.Lookup(ctx, t, objectID)
	if err != nil {
		return err
	}
	return printJSON(record)
}

func runList(ctx context.Context, store *badgerkv.Store, idx *index.Index, cache *embed.Cache, rawType string) error {
	t, err := parseObjectType(rawType)
	if err != nil {
		return err
	}
	svc := query.New(store, idx, cache)

	last, err := svc.LastRefreshed(ctx, t)
	if err != nil {
		return err
	}
	if last.IsZero() {
		log.Printf("%s has never been refreshed", t)
	} else {
		log.Printf("%s last refreshed %s", t, last.Format("2006-01-02 15:04:05 MST"))
	}

	records, err := svc.ListByType(ctx, t, *listLimit)
	if err != nil {
		return err
	}
	return printJSON(records)
}

func runSearch(ctx context.Context, store *badgerkv.Store, idx *index.Index, cache *embed.Cache, words []string) error {
	var typeFilter types.ObjectType
	if *searchType != "" {
		t, err := parseObjectType(*searchType)
		if err != nil {
			return err
		}
		typeFilter = t
	}

	svc := query.New(store, idx, cache)
	text := strings.Join(words, " ")
	results, err := svc.SemanticSearch(ctx, text, *topK, typeFilter)
	if err != nil {
		return err
	}
	return printJSON(results)
}

func runDelete(ctx context.Context, store *badgerkv.Store, idx *index.Index, cache *embed.Cache, rawType, objectID string) error {
	t, err := parseObjectType(rawType)
	if err != nil {
		return err
	}
	orch := refresh.New(nil, store, idx, cache, refresh.Options{})
	if err := orch.DeleteObject(ctx, t, objectID); err != nil {
		return err
	}
	log.Printf("deleted %s", types.EntityKey(t, objectID))
	return nil
}

func runReindex(ctx context.Context, store *badgerkv.Store, idx *index.Index, cache *embed.Cache) error {
	orch := refresh.New(nil, store, idx, cache, refresh.Options{})
	rebuilt, skipped, err := orch.Reindex(ctx)
	if err != nil {
		return err
	}
	log.Printf("reindexed: %d entries, %d skipped", rebuilt, skipped)
	return nil
}

func parseObjectType(raw string) (types.ObjectType, error) {
	t := types.ObjectType(raw)
	for _, known := range types.KnownObjectTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown object type %q (known: %v)", raw, types.KnownObjectTypes)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
