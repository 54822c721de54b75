// Command panelctl runs a panel conversation in the terminal and manages the
// provider keys held in SSM Parameter Store.
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

	"github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"multiai-chat/internal/backend"
	"multiai-chat/internal/budget"
	panelconfig "multiai-chat/internal/config"
	"multiai-chat/internal/domain"
	"multiai-chat/internal/integrations/paramstore"
	"multiai-chat/internal/orchestrator"
	"multiai-chat/internal/panel"
	"multiai-chat/internal/repository"
	"multiai-chat/internal/secrets"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return runChat(args)
	}
	switch args[0] {
	case "chat":
		return runChat(args[1:])
	case "keys":
		return runKeys(args[1:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		if strings.HasPrefix(args[0], "-") {
			return runChat(args)
		}
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: panelctl [subcommand] [flags]

Subcommands:
  chat                    Talk to the panel on stdin (default)
  keys set <provider>     Store a provider key read from stdin
  keys delete <provider>  Remove a provider key

Run 'panelctl <subcommand> --help' for subcommand flags.
`)
}

func runChat(args []string) error {
	var (
		configPath string
		sessionID  string
		persona    string
		backends   []string
		paramPref  string
		verbose    bool
	)
	flagSet := pflag.NewFlagSet("panelctl chat", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "panel YAML configuration")
	flagSet.StringVar(&sessionID, "session", "", "session id (default: random)")
	flagSet.StringVar(&persona, "persona", "", "persona: default, coding_tutor, creative_writer, business_advisor, custom")
	flagSet.StringSliceVar(&backends, "backends", nil, "active backends (default: all enabled)")
	flagSet.StringVar(&paramPref, "param-prefix", "", "also read keys from SSM parameters under this prefix")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return fmt.Errorf("unexpected argument: %s", extra[0])
	}

	cfg, err := panelconfig.NewLoader().WithConfigPath(configPath).WithEnv(os.LookupEnv).Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds := secrets.Chain{secrets.NewEnv(nil)}
	if paramPref != "" {
		keyStore, err := newKeyStore(ctx, paramPref)
		if err != nil {
			return err
		}
		creds = append(creds, keyStore)
	}

	mem := repository.NewMemory(cfg.HistoryLimit)
	p, err := panel.Build(cfg, panel.Deps{
		Store:       mem,
		Digests:     mem,
		Snapshots:   mem,
		Credentials: creds,
		Counter:     budget.NewTiktokenCounter(budget.DefaultEncoding),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer p.Close()
	for id, state := range p.RefreshLocal(ctx) {
		logger.Debug("local backend probed", zap.String("backend", string(id)), zap.Stringer("state", state))
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	active := make([]domain.BackendID, 0, len(backends))
	for _, b := range backends {
		active = append(active, domain.BackendID(strings.ToLower(strings.TrimSpace(b))))
	}

	c := &chat{
		panel:     p,
		names:     p.Registry.DisplayName,
		sessionID: sessionID,
		persona:   orchestrator.Persona(persona),
		active:    active,
		out:       os.Stdout,
	}
	fmt.Fprintf(os.Stdout, "session %s with %s. /help for commands.\n", sessionID, strings.Join(displayNames(p.Registry, p.Backends()), ", "))
	return c.loop(ctx, os.Stdin)
}

func runKeys(args []string) error {
	var paramPref string
	flagSet := pflag.NewFlagSet("panelctl keys", pflag.ContinueOnError)
	flagSet.StringVar(&paramPref, "param-prefix", os.Getenv("PARAM_PREFIX"), "SSM parameter prefix")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flagSet.Args()
	if len(rest) != 2 {
		printUsage()
		return errors.New("keys needs an action and a provider")
	}
	if paramPref == "" {
		return errors.New("--param-prefix or PARAM_PREFIX is required")
	}
	action, provider := rest[0], rest[1]

	ctx := context.Background()
	keyStore, err := newKeyStore(ctx, paramPref)
	if err != nil {
		return err
	}
	switch action {
	case "set":
		token, err := readToken(os.Stdin)
		if err != nil {
			return err
		}
		if err := keyStore.SetSecret(ctx, provider, token); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "stored %s\n", keyStore.ParameterName(provider))
	case "delete":
		if err := keyStore.DeleteSecret(ctx, provider); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "deleted %s\n", keyStore.ParameterName(provider))
	default:
		return fmt.Errorf("unknown keys action: %q", action)
	}
	return nil
}

func newKeyStore(ctx context.Context, prefix string) (*secrets.ParamStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	return secrets.NewParamStore(client, prefix)
}

func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	if line = strings.TrimSpace(line); line == "" {
		return "", errors.New("no token on stdin")
	}
	return line, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func displayNames(reg *backend.Registry, ids []domain.BackendID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = reg.DisplayName(id)
	}
	return out
}
