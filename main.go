// main.go
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

	"github.com/petervdpas/counselcall/internal/app"
	"github.com/petervdpas/counselcall/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	setup    = flag.Bool("setup", false, "Ask for identity and connection settings before starting")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const configName = "counselcall.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("counselcall v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	command, dir := args[0], args[1]
	switch command {
	case "peer":
		run(dir, "peer", app.RunPeer)
	case "hub":
		run(dir, "hub", app.RunHub)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func run(dirArg, role string, runner func(context.Context, app.Options) error) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, configName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		// a fresh hub keeps its documents in SQLite
		if role == "hub" {
			cfg.Store.Backend = config.BackendSQLite
			if err := config.Save(cfgPath, cfg); err != nil {
				log.Fatalf("Failed to save config: %v", err)
			}
		}
		fmt.Printf("Created default config: %s\n", cfgPath)
	}

	if *setup {
		cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
	}

	printBanner(role, absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := runner(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("%s failed: %v", role, err)
	}
}

func showUsage() {
	fmt.Println("counselcall - calls and chat between counselors and students")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  counselcall hub <directory>    Serve the shared document store")
	fmt.Println("  counselcall peer <directory>   Run one user's call and chat client")
	fmt.Println()
	fmt.Println("The directory holds counselcall.json (created with defaults when missing)")
	fmt.Println("and an optional .env with COUNSELCALL_* overrides.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -setup    Ask for identity and connection settings first")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  counselcall hub ./hub")
	fmt.Println("  counselcall -setup peer ./users/ana")
}

func printBanner(role, dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  counselcall runner                    ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Mode:           %s\n", role)
	fmt.Printf("Directory:      %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Store:          %s\n", cfg.Store.Backend)

	switch role {
	case "hub":
		fmt.Printf("Listening on:   %s\n", cfg.Hub.ListenAddr)
	case "peer":
		if cfg.Identity.UserID != "" {
			fmt.Printf("Signed in as:   %s (%s)\n", cfg.Identity.Name, cfg.Identity.UserID)
		} else {
			fmt.Println("Signed in as:   nobody (set identity.user_id)")
		}
		if cfg.Store.Backend == config.BackendHub {
			fmt.Printf("Hub:            %s\n", cfg.Hub.URL)
		}
		if cfg.Viewer.HTTPAddr != "" {
			_, url, _ := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
			fmt.Printf("Dashboard API:  %s\n", url)
		}
	}

	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
