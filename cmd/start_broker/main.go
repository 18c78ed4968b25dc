// Command start_broker runs the MCP broker: it loads the downstream
// server config, starts the client manager, and serves external MCP
// sessions over either a stdio or an HTTP transport shell.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ravelsys/mcp-broker/internal/access"
	"github.com/ravelsys/mcp-broker/internal/aggregator"
	"github.com/ravelsys/mcp-broker/internal/authjwt"
	"github.com/ravelsys/mcp-broker/internal/broker"
	"github.com/ravelsys/mcp-broker/internal/clientmanager"
	"github.com/ravelsys/mcp-broker/internal/config"
	"github.com/ravelsys/mcp-broker/internal/transport/httpshell"
	"github.com/ravelsys/mcp-broker/internal/transport/stdio"
)

const (
	keyTransport     = "broker.transport"
	keyListen        = "broker.listen"
	keyConfigPath    = "broker.config_path"
	keyJWTPublicKey  = "broker.jwt_public_key"
	keyAllowUnauth   = "broker.allow_unauthenticated"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "start_broker",
		Short: "Run the MCP broker",
		RunE:  runBroker,
	}

	flags := root.Flags()
	flags.String("transport", "stdio", "transport shell: stdio or http")
	flags.String("listen", "127.0.0.1:8877", "listen address when --transport=http")
	flags.String("config", "", "override downstream config path (defaults to the standard discovery order)")
	flags.String("jwt-public-key", "", "path to the RS256 public key used to verify client bearer tokens")
	flags.Bool("allow-unauthenticated", false, "permit unauthenticated sessions to see and call every tool (development mode)")

	mustBindFlag(keyTransport, "MCP_BROKER_TRANSPORT", flags.Lookup("transport"))
	mustBindFlag(keyListen, "MCP_BROKER_LISTEN", flags.Lookup("listen"))
	mustBindFlag(keyConfigPath, "MCP_CONFIG_PATH", flags.Lookup("config"))
	mustBindFlag(keyJWTPublicKey, "MCP_JWT_PUBLIC_KEY_PATH", flags.Lookup("jwt-public-key"))
	mustBindFlag(keyAllowUnauth, "MCP_BROKER_ALLOW_UNAUTHENTICATED", flags.Lookup("allow-unauthenticated"))

	return root
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func runBroker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg *config.Config
	var err error
	if p := viper.GetString(keyConfigPath); p != "" {
		cfg, err = config.LoadFile(p)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var verifier *authjwt.Verifier
	allowUnauth := viper.GetBool(keyAllowUnauth)
	if keyPath := viper.GetString(keyJWTPublicKey); keyPath != "" {
		verifier, err = authjwt.LoadVerifierFromFile(keyPath)
		if err != nil {
			return fmt.Errorf("load jwt public key: %w", err)
		}
	} else if !allowUnauth {
		return fmt.Errorf("--jwt-public-key is required unless --allow-unauthenticated is set")
	}

	manager := clientmanager.New(ctx)
	manager.StartAll(cfg)
	defer manager.Shutdown()

	agg := aggregator.New(manager.ListAllTools, manager.Tags, manager.CallTool)
	manager.OnMutate(agg.Invalidate)
	filter := access.New(agg)

	b := broker.New(broker.Config{AllowUnauthenticated: allowUnauth}, verifier, filter, agg)

	switch viper.GetString(keyTransport) {
	case "stdio":
		shell := stdio.New(b, os.Stdin, os.Stdout)
		return shell.Run(ctx)
	case "http":
		shell := httpshell.New(b)
		server := &http.Server{Addr: viper.GetString(keyListen), Handler: shell}
		go func() {
			<-ctx.Done()
			_ = server.Close()
		}()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http shell: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown transport %q: must be stdio or http", viper.GetString(keyTransport))
	}
}
