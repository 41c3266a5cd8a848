package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/CZERTAINLY/Fabsim/internal/log"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/CZERTAINLY/Fabsim/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/fabsim on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logOutput      io.WriteCloser

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "fabsim")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is fabsim.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "URL of a fabsim server, used by run and status")

	serveCmd.Flags().String("listen", "", "address to listen on, overrides server.listen")

	runCmd.Flags().String("format", "json", "format of the printed result: json, yaml or cyclonedx")
	runCmd.Flags().Bool("keep", false, "keep the simulator after the run")

	bindFlags()

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initFabsim
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if logOutput != nil {
			_ = logOutput.Close()
		}
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("fabsim failed", "err", err)
		os.Exit(1)
	}
}

// bindFlags makes the flags and FABSIM_* environment variables available via
// viper. Flags take precedence over the environment.
func bindFlags() {
	viper.SetEnvPrefix("fabsim")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	must(viper.BindPFlag("server.url", rootCmd.PersistentFlags().Lookup("server")))
	must(viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen")))
	must(viper.BindPFlag("run.format", runCmd.Flags().Lookup("format")))
	must(viper.BindPFlag("run.keep", runCmd.Flags().Lookup("keep")))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

var rootCmd = &cobra.Command{
	Use:          "fabsim",
	Short:        "Semiconductor fabrication process simulation service",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve reads the configuration and runs the simulation control plane",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a fabsim",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("fabsim: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("fabsim: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("fabsim",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	if listen := viper.GetString("server.listen"); listen != "" {
		config.Server.Listen = listen
	}

	supervisor, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "serving", "listen", config.Server.Listen)
	return supervisor.Do(ctx)
}

func initFabsim(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("FABSIMCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "fabsim.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	if configPath == "" {
		config, configPath, err = storeDefaults(cmd.Context())
	} else {
		config, err = loadConfig(configPath)
	}
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	logOutput, err = log.Open(config.Service.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(log.New(config.Service.Verbose, logOutput))

	slog.Debug("fabsim run", "configPath", configPath)
	slog.Debug("fabsim run", "config", config)
	return nil
}

// storeDefaults writes the default configuration to the user config
// directory.
func storeDefaults(ctx context.Context) (model.Config, string, error) {
	cfg := model.DefaultConfig(ctx)
	path := filepath.Join(userConfigPath, "fabsim.yaml")
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return cfg, path, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return cfg, path, fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return cfg, path, fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, path, enc.Close()
}

func loadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error(d.Message, d.Attr("detail"))
		}
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
