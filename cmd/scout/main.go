package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"scout/internal/agent"
	"scout/internal/archive"
	"scout/internal/brightdata"
	"scout/internal/config"
	"scout/internal/llm"
	mockclient "scout/internal/llm/mockclient"
	"scout/internal/logging"
	"scout/internal/openrouter"
	"scout/internal/session"
	"scout/internal/tooling"
)

// Version is set via -ldflags during build
var Version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the YAML config file")
		addrFlag    = flag.String("addr", "", "Listen address for the HTTP API (overrides config)")
		cliFlag     = flag.Bool("cli", false, "Run the interactive terminal frontend instead of the HTTP API")
		promptFlag  = flag.String("p", "", "Execute a single research task and exit")
		versionFlag = flag.Bool("version", false, "Print version and exit")
	)
	flag.StringVar(promptFlag, "prompt", "", "Execute a single research task and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("scout version %s\n", Version)
		return
	}

	if *configPath != "" {
		os.Setenv("SCOUT_CONFIG_PATH", *configPath)
	}
	cfg, err := config.LoadDefault()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	var client llm.Client
	if os.Getenv("SCOUT_MOCK_LLM") == "1" {
		logger.Printf("using mock LLM client")
		client = mockclient.New()
	} else {
		apiKey := os.Getenv("OPENROUTER_API_KEY")
		if apiKey == "" {
			log.Fatal("OPENROUTER_API_KEY is not set (or set SCOUT_MOCK_LLM=1 for offline runs)")
		}
		client = openrouter.NewClient(cfg.BaseURL, apiKey, cfg.RequestTimeout(), logger)
	}

	bdToken := os.Getenv("BRIGHTDATA_API_TOKEN")
	if bdToken == "" {
		logger.Printf("warning: BRIGHTDATA_API_TOKEN is not set; search, scrape and download calls will fail")
	}
	bd := brightdata.New(brightdata.Config{
		Endpoint:     cfg.BrightData.Endpoint,
		Token:        bdToken,
		SerpZone:     cfg.BrightData.SerpZone,
		UnlockerZone: cfg.BrightData.WebUnlockerZone,
		Logger:       logger,
	})

	tools, err := tooling.ResearchTools(tooling.Options{
		BrightData:      bd,
		DownloadDir:     cfg.Download.BaseDir,
		SearchTimeout:   cfg.SearchTimeout(),
		ScrapeTimeout:   cfg.ScrapeTimeout(),
		DownloadTimeout: cfg.DownloadTimeout(),
	})
	if err != nil {
		log.Fatalf("init tools: %v", err)
	}
	registry := tooling.NewRegistry(tools...)

	if dir := filepath.Dir(cfg.EventLogPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create event log dir: %v", err)
		}
	}
	events := logging.NewEventLog(cfg.EventLogPath)
	defer events.Close()

	arch, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		log.Fatalf("open run archive: %v", err)
	}
	defer arch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Printf("shutting down")
		cancel()
	}()

	runner := agent.NewRunner(client, registry, cfg, logger, events, arch)
	store := session.NewStore(ctx, runner.Run, cfg.MaxSessions)

	if *promptFlag != "" || *cliFlag {
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.Definition().Function.Name)
		}
		cli := agent.NewCLI(store, cfg, names)
		if *promptFlag != "" {
			if err := cli.RunOnce(ctx, *promptFlag); err != nil {
				log.Fatalf("run task: %v", err)
			}
			return
		}
		if err := cli.Run(ctx, cancel); err != nil {
			log.Fatalf("cli: %v", err)
		}
		return
	}

	server, err := agent.NewServer(store, cfg, arch, logger)
	if err != nil {
		log.Fatalf("init server: %v", err)
	}
	if err := server.Run(ctx, *addrFlag); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
