package main

import (
	"fmt"
	"strings"

	"github.com/Brownie44l1/ensemble-api/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Linker flags set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the command-line entrypoint for all other commands.
var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Weighted CNN ensemble for skin lesion images with region explanations.",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default is ./.ensemble.yaml or $HOME/.ensemble.yaml)")
	rootCmd.PersistentFlags().String("log-level", config.DefaultLogLevel, "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("model-dir", config.DefaultModelDir, "directory holding the .onnx models and metadata")
	rootCmd.PersistentFlags().String("onnx-library", "", "path to the onnxruntime shared library")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("model_dir", rootCmd.PersistentFlags().Lookup("model-dir"))
	_ = viper.BindPFlag("onnx_library", rootCmd.PersistentFlags().Lookup("onnx-library"))

	rootCmd.AddCommand(serveCmd, predictCmd, versionCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName(".ensemble")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
	}

	viper.SetEnvPrefix("ENSEMBLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	config.SetDefaults(viper.GetViper())
}

// loadConfig merges defaults, file, env and flags and validates the result.
func loadConfig() (*config.Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return config.Load(viper.GetViper())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
