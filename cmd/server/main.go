package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "qubit-server",
		Short:         "Quantum circuit job server",
		Long:          "qubit-server runs circuit partition and QASM import jobs locally or on a remote compute host and streams their progress to WebSocket rooms.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				v.SetConfigFile(path)
			}
			return serve(cmd.Context(), v)
		},
	}

	flags := rootCmd.Flags()
	flags.String("config", "", "path to a config file")
	flags.Int("port", 8000, "HTTP listen port")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("mode", "auto", "execution mode (auto, local, remote)")

	for key, flag := range map[string]string{
		"server.port":    "port",
		"log.level":      "log-level",
		"execution.mode": "mode",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	return rootCmd
}
