package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/polyrelay/polyrelay/internal/auth"
	"github.com/polyrelay/polyrelay/internal/config"
	"github.com/polyrelay/polyrelay/internal/server"
)

// Build information, set by the compiler via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "polyrelay",
	Short: "PolyRelay - OpenAI-compatible multi-vendor chat gateway",
	Long: `PolyRelay exposes one OpenAI-compatible chat-completions endpoint and
multiplexes requests across pooled accounts of several upstream chat vendors,
normalizing their responses back into OpenAI wire shape.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			logrus.SetLevel(logrus.TraceLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ~/.polyrelay/config.json)")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(versionCommand())
}

func serveCommand() *cobra.Command {
	var (
		host         string
		port         int
		timeoutMs    int
		maxConns     int
		corsEnabled  bool
		corsOrigin   string
		strategy     string
		enableAPIKey bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.NewStore(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Flags set explicitly override the config file.
			settings := store.GetSettings()
			if cmd.Flags().Changed("host") {
				settings.Host = host
			}
			if cmd.Flags().Changed("port") {
				settings.Port = port
			}
			if cmd.Flags().Changed("timeout-ms") {
				settings.TimeoutMs = timeoutMs
			}
			if cmd.Flags().Changed("max-connections") {
				settings.MaxConnections = maxConns
			}
			if cmd.Flags().Changed("cors-enabled") {
				settings.CORSEnabled = corsEnabled
			}
			if cmd.Flags().Changed("cors-origin") {
				settings.CORSOrigin = corsOrigin
			}
			if cmd.Flags().Changed("load-balance-strategy") {
				settings.LoadBalanceStrategy = strategy
			}
			if cmd.Flags().Changed("enable-api-key") {
				settings.EnableAPIKey = enableAPIKey
			}
			store.UpdateSettings(settings)

			key, err := ensureAPIKey(store)
			if err != nil {
				return fmt.Errorf("failed to generate API key: %w", err)
			}
			if key != "" {
				fmt.Printf("Generated API key: %s\n", key)
			}

			srv := server.New(store, server.WithVersion(version))

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-quit
				logrus.Info("shutting down")
				if err := srv.Stop(); err != nil {
					logrus.Errorf("shutdown error: %v", err)
				}
			}()

			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&host, "host", config.DefaultHost, "listen host")
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "listen port")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", config.DefaultTimeoutMs, "upstream request deadline in milliseconds")
	cmd.Flags().IntVar(&maxConns, "max-connections", 0, "maximum concurrent connections (0 = unlimited)")
	cmd.Flags().BoolVar(&corsEnabled, "cors-enabled", false, "enable CORS")
	cmd.Flags().StringVar(&corsOrigin, "cors-origin", "", "CORS allowed origin")
	cmd.Flags().StringVar(&strategy, "load-balance-strategy", config.DefaultStrategy, "round-robin, fill-first or failover")
	cmd.Flags().BoolVar(&enableAPIKey, "enable-api-key", false, "require API keys on the model routes")

	return cmd
}

// ensureAPIKey generates and persists a gateway API key when enforcement is
// on and no keys are configured yet. Returns the new key, or "" when keys
// already exist or enforcement is off.
func ensureAPIKey(store *config.Store) (string, error) {
	settings := store.GetSettings()
	if !settings.EnableAPIKey || len(settings.APIKeys) > 0 {
		return "", nil
	}

	if settings.JWTSecret == "" {
		settings.JWTSecret = uuid.NewString()
	}
	key, err := auth.NewJWTManager(settings.JWTSecret).GenerateAPIKey("default")
	if err != nil {
		return "", err
	}

	settings.APIKeys = append(settings.APIKeys, key)
	store.UpdateSettings(settings)
	if err := store.Save(); err != nil {
		return "", err
	}
	return key, nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("PolyRelay\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Git Commit: %s\n", gitCommit)
			fmt.Printf("Build Time: %s\n", buildTime)
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
