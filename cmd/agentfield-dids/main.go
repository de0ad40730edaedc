package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Agent-Field/agentfield-dids/internal/application"
	"github.com/Agent-Field/agentfield-dids/internal/config"
	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/internal/logger"
	"github.com/Agent-Field/agentfield-dids/internal/methods/tdw"
	"github.com/Agent-Field/agentfield-dids/internal/services"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

const usage = `usage:
  agentfield-dids serve [--config <path>] [--verbose]
  agentfield-dids resolve [--config <path>] [--version-id <n>] [--document-only] <did>
  agentfield-dids create-tdw [--config <path>] [--out <did.jsonl>] [--key-out <path>] <domain[:path...]>`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "resolve":
		err = runResolve(os.Args[2:])
	case "create-tdw":
		err = runCreateTDW(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprintln(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Logger.Error().Err(err).Str("command", os.Args[1]).Msg("command failed")
		os.Exit(1)
	}
}

type commonFlags struct {
	configPath string
	verbose    bool
}

func newFlagSet(name string, common *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&common.configPath, "config", "", "path to agentfield-dids.yaml")
	fs.BoolVar(&common.verbose, "verbose", false, "enable debug logging")
	return fs
}

func loadContainer(ctx context.Context, common commonFlags) (*application.Container, error) {
	cfg, err := config.LoadOrDefault(common.configPath)
	if err != nil {
		return nil, err
	}
	logger.InitLogger(common.verbose, cfg.Server.LogJSON)
	return application.CreateServiceContainer(ctx, cfg)
}

func runServe(args []string) error {
	var common commonFlags
	fs := newFlagSet("serve", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := loadContainer(ctx, common)
	if err != nil {
		return err
	}
	defer container.Close(context.Background())

	srv := container.Server()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runResolve(args []string) error {
	var common commonFlags
	fs := newFlagSet("resolve", &common)
	versionID := fs.String("version-id", "", "pin a did:tdw version")
	documentOnly := fs.Bool("document-only", false, "print only the DID document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("resolve takes exactly one DID")
	}

	ctx := context.Background()
	container, err := loadContainer(ctx, common)
	if err != nil {
		return err
	}
	defer container.Close(ctx)

	var opts []services.ResolveOption
	if v := strings.TrimSpace(*versionID); v != "" {
		opts = append(opts, services.WithVersionID(v))
	}
	result := container.Resolver.Resolve(ctx, fs.Arg(0), opts...)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if *documentOnly {
		if err := result.Err(); err != nil {
			return err
		}
		return enc.Encode(result.DIDDocument)
	}
	if err := enc.Encode(result); err != nil {
		return err
	}
	return result.Err()
}

func runCreateTDW(args []string) error {
	var common commonFlags
	fs := newFlagSet("create-tdw", &common)
	out := fs.String("out", "did.jsonl", "where to write the version log")
	keyOut := fs.String("key-out", "", "where to write the multibase update key seed (default: stderr)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("create-tdw takes exactly one domain[:path] argument")
	}

	ctx := context.Background()
	container, err := loadContainer(ctx, common)
	if err != nil {
		return err
	}
	defer container.Close(ctx)

	created, err := container.Records.CreateTDW(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, created.Log, 0o644); err != nil {
		return fmt.Errorf("write version log: %w", err)
	}

	seed := didutil.EncodeMultibase(created.PrivateKey.Seed())
	if *keyOut != "" {
		if err := os.WriteFile(*keyOut, []byte(seed+"\n"), 0o600); err != nil {
			return fmt.Errorf("write update key: %w", err)
		}
	} else {
		fmt.Fprintf(os.Stderr, "update key seed: %s\n", seed)
	}

	parsed, err := types.ParseDID(created.Record.DID)
	if err != nil {
		return err
	}
	location, err := tdw.LogURL(parsed)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, created.Record.DID)
	logger.Logger.Info().
		Str("did", created.Record.DID).
		Str("log", *out).
		Str("publish_at", location).
		Msg("Created did:tdw")
	return nil
}
