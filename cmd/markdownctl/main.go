package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/hanko-field/markdown-authz/internal/di"
	domain "github.com/hanko-field/markdown-authz/internal/domain"
	"github.com/hanko-field/markdown-authz/internal/platform/config"
	"github.com/hanko-field/markdown-authz/internal/platform/observability"
	"github.com/hanko-field/markdown-authz/internal/platform/secrets"
	"github.com/hanko-field/markdown-authz/internal/repositories"
	"github.com/hanko-field/markdown-authz/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	c := &cli{
		stdin:         os.Stdin,
		stdout:        os.Stdout,
		stderr:        os.Stderr,
		logger:        logger.Named("markdownctl"),
		loadConfig:    loadConfig,
		openDirectory: openDirectory,
		promptPIN:     promptTerminalPIN,
	}
	if err := c.run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the process seams so subcommands can run against in-memory directories in tests.
type cli struct {
	stdin         io.Reader
	stdout        io.Writer
	stderr        io.Writer
	logger        *zap.Logger
	loadConfig    func(ctx context.Context, logger *zap.Logger) (config.Config, error)
	openDirectory func(cfg config.Config) (repositories.ManagerRepository, io.Closer, error)
	promptPIN     func(stderr io.Writer) (string, error)
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) < 1 {
		c.printUsage()
		return errors.New("subcommand required")
	}
	switch args[0] {
	case "hash-pin":
		return c.runHashPIN(ctx, args[1:])
	case "approver":
		if len(args) < 2 {
			c.printUsage()
			return errors.New("approver subcommand required")
		}
		switch args[1] {
		case "set":
			return c.runApproverSet(ctx, args[2:])
		case "disable":
			return c.runApproverDisable(ctx, args[2:])
		default:
			c.printUsage()
			return fmt.Errorf("unknown approver subcommand: %q", args[1])
		}
	case "-h", "--help", "help":
		c.printUsage()
		return nil
	default:
		c.printUsage()
		return fmt.Errorf("unknown subcommand: %q", args[0])
	}
}

func (c *cli) printUsage() {
	fmt.Fprint(c.stderr, `Usage: markdownctl <subcommand> [flags]

Subcommands:
  hash-pin           Print a MARKDOWN_OVERRIDE_SEED_MANAGERS entry for an approver
  approver set       Create or update an approver in the Firestore directory
  approver disable   Deactivate an approver in the Firestore directory

Configuration is read from the same MARKDOWN_* variables as markdownd.
`)
}

func (c *cli) runHashPIN(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("hash-pin", pflag.ContinueOnError)
	flags.SetOutput(c.stderr)
	id := flags.String("id", "", "approver id")
	tierName := flags.String("tier", "", "approver tier: SUPERVISOR, MANAGER or ADMIN")
	name := flags.String("name", "", "display name shown on approval")
	pinStdin := flags.Bool("pin-stdin", false, "read the PIN from the first line of stdin")
	if err := flags.Parse(args); err != nil {
		return err
	}

	approverID := strings.TrimSpace(*id)
	if approverID == "" || strings.Contains(approverID, ":") {
		return errors.New("--id is required and must not contain ':'")
	}
	tier, err := approverTier(*tierName)
	if err != nil {
		return err
	}
	displayName := strings.TrimSpace(*name)
	if strings.Contains(displayName, ":") {
		return errors.New("--name must not contain ':'")
	}

	cfg, err := c.loadConfig(ctx, c.logger)
	if err != nil {
		return err
	}
	pin, err := c.readPIN(*pinStdin)
	if err != nil {
		return err
	}
	if len(pin) < cfg.Markdown.MinPINLength {
		return fmt.Errorf("pin must be at least %d characters", cfg.Markdown.MinPINLength)
	}
	hash, err := services.HashManagerPIN(pin, cfg.Security.PINPepper)
	if err != nil {
		return err
	}

	entry := approverID + ":" + tier.String() + ":" + hash
	if displayName != "" {
		entry += ":" + displayName
	}
	fmt.Fprintln(c.stdout, entry)
	return nil
}

func (c *cli) runApproverSet(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("approver set", pflag.ContinueOnError)
	flags.SetOutput(c.stderr)
	id := flags.String("id", "", "approver id")
	tierName := flags.String("tier", "", "approver tier: SUPERVISOR, MANAGER or ADMIN")
	name := flags.String("name", "", "display name shown on approval")
	stores := flags.StringSlice("store", nil, "store the approver may act in; repeat or comma-separate, omit for every store")
	pinStdin := flags.Bool("pin-stdin", false, "read the PIN from the first line of stdin")
	keepPIN := flags.Bool("keep-pin", false, "keep the stored PIN of an existing approver")
	if err := flags.Parse(args); err != nil {
		return err
	}

	tier, err := approverTier(*tierName)
	if err != nil {
		return err
	}
	cmd := services.ProvisionApproverCommand{ID: *id, DisplayName: *name, Tier: tier}
	if flags.Changed("store") {
		cmd.StoreIDs = *stores
		if cmd.StoreIDs == nil {
			cmd.StoreIDs = []string{}
		}
	}
	if !*keepPIN {
		if cmd.PIN, err = c.readPIN(*pinStdin); err != nil {
			return err
		}
	}

	return c.withApprovers(ctx, func(svc *services.ApproverService) error {
		saved, err := svc.Provision(ctx, cmd)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "approver %s saved: tier=%s stores=%s\n", saved.ID, saved.Tier, describeStores(saved.StoreIDs))
		return nil
	})
}

func (c *cli) runApproverDisable(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("approver disable", pflag.ContinueOnError)
	flags.SetOutput(c.stderr)
	id := flags.String("id", "", "approver id")
	if err := flags.Parse(args); err != nil {
		return err
	}

	return c.withApprovers(ctx, func(svc *services.ApproverService) error {
		saved, err := svc.Deactivate(ctx, *id)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "approver %s disabled\n", saved.ID)
		return nil
	})
}

func (c *cli) withApprovers(ctx context.Context, fn func(*services.ApproverService) error) error {
	cfg, err := c.loadConfig(ctx, c.logger)
	if err != nil {
		return err
	}
	if cfg.Markdown.VerifierBackend != config.VerifierBackendFirestore {
		return errors.New("approver commands need MARKDOWN_OVERRIDE_VERIFIER=firestore; use hash-pin for seeded approvers")
	}
	repo, closer, err := c.openDirectory(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			c.logger.Warn("close approver directory", zap.Error(err))
		}
	}()

	svc, err := services.NewApproverService(services.ApproverServiceDeps{
		Repository:   repo,
		Pepper:       cfg.Security.PINPepper,
		MinPINLength: cfg.Markdown.MinPINLength,
		Logger:       c.logger,
	})
	if err != nil {
		return err
	}
	return fn(svc)
}

func (c *cli) readPIN(fromStdin bool) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(c.stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read pin: %w", err)
		}
		pin := strings.TrimRight(line, "\r\n")
		if pin == "" {
			return "", errors.New("no pin on stdin")
		}
		return pin, nil
	}
	return c.promptPIN(c.stderr)
}

func approverTier(raw string) (domain.PermissionTier, error) {
	tier, err := domain.ParsePermissionTier(raw)
	if err != nil {
		return domain.TierUnknown, fmt.Errorf("--tier: %w", err)
	}
	if !tier.AtLeast(domain.TierSupervisor) {
		return domain.TierUnknown, fmt.Errorf("--tier: %s cannot approve overrides", tier)
	}
	return tier, nil
}

func describeStores(stores []string) string {
	if len(stores) == 0 {
		return "all"
	}
	return strings.Join(stores, ",")
}

func loadConfig(ctx context.Context, logger *zap.Logger) (config.Config, error) {
	env, err := config.EnvironmentValues()
	if err != nil {
		return config.Config{}, fmt.Errorf("read environment: %w", err)
	}
	fetcher, err := secrets.NewFetcherFromEnv(ctx, logger, env)
	if err != nil {
		return config.Config{}, fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer fetcher.Close()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets("Security.PINPepper"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			return config.Config{}, fmt.Errorf("missing required secrets: %s", strings.Join(missing.RedactedNames(), ", "))
		}
		return config.Config{}, err
	}
	return cfg, nil
}

func openDirectory(cfg config.Config) (repositories.ManagerRepository, io.Closer, error) {
	directory, err := di.OpenManagerDirectory(cfg)
	if err != nil {
		return nil, nil, err
	}
	return directory.Repository, directory, nil
}

func promptTerminalPIN(stderr io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available for the PIN prompt (use --pin-stdin)")
	}
	fmt.Fprint(stderr, "Approver PIN: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("read pin: %w", err)
	}
	fmt.Fprint(stderr, "Repeat PIN: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("read pin: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("pins do not match")
	}
	return string(first), nil
}
