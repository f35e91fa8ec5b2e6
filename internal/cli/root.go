package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quickwind/workflow/internal/logger"
)

var (
	cfgFile         string
	verbose         bool
	portFlag        int
	storageModeFlag string
	postgresDSNFlag string
)

// VersionInfo holds build-time version information injected via -ldflags.
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

func versionString(info VersionInfo) string {
	return fmt.Sprintf("workflow-server %s (commit %s, built %s, %s %s/%s)\n",
		info.Version, info.Commit, info.Date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// NewRootCommand creates and returns the root Cobra command for the
// workflow CLI.
func NewRootCommand(runServerFunc func(cmd *cobra.Command, args []string), versionInfo VersionInfo) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "workflow-server",
		Short: "Multi-tenant BPMN workflow execution service",
		Long:  `Workflow server executes versioned BPMN process definitions: user tasks, service tasks, exclusive and parallel gateways, with idempotent task operations and an append-only audit trail.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.InitLogger(verbose)
			if verbose {
				logger.Logger.Debug().Msg("Verbose logging enabled.")
			}
			return nil
		},
		// Default to server mode when no subcommand is provided
		Run: runServerFunc,
	}

	var showVersion bool
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "Print version information")

	originalRun := rootCmd.Run
	rootCmd.Run = func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Fprint(cmd.OutOrStdout(), versionString(versionInfo))
			return
		}
		originalRun(cmd, args)
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (e.g., config/workflow.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().IntVar(&portFlag, "port", 0, "Port for the server (overrides config if set)")
	rootCmd.PersistentFlags().StringVar(&storageModeFlag, "storage-mode", "", "Override the storage backend (local or postgres)")
	rootCmd.PersistentFlags().StringVar(&postgresDSNFlag, "postgres-dsn", "", "PostgreSQL DSN (implies --storage-mode=postgres)")

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(NewTenantCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), versionString(versionInfo))
		},
	})

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the workflow server",
		Long:  `Starts the workflow server, providing the definition, instance, task, catalog and audit API.`,
		Run:   runServerFunc,
	}
	rootCmd.AddCommand(serverCmd)

	return rootCmd
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.SetConfigName("workflow")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("WORKFLOW")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// ResolvedConfigPath returns the --config flag when set, otherwise the
// file viper discovered in the search path, otherwise empty.
func ResolvedConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return viper.ConfigFileUsed()
}

func GetPortFlag() int {
	return portFlag
}

func GetStorageModeFlag() string {
	return storageModeFlag
}

func GetPostgresDSNFlag() string {
	return postgresDSNFlag
}
