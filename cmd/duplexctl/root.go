package main

import (
	"github.com/spf13/cobra"
)

const (
	ConnectCmdLiteral = "connect"
	ConnectCmdExample = `# Open an interactive session
duplexctl connect wss://echo.example.com/ws

# Use the gorilla backend with a config file and expose metrics
duplexctl connect --config duplex.toml --backend gorilla --metrics-addr :9464`
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "duplexctl",
		Short:         "duplexctl keeps a resilient duplex connection open from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	root.AddCommand(newConnectCmd())
	return root
}
