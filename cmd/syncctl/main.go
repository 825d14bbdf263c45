package main

import (
	"fmt"
	"os"

	"github.com/safegram/syncd/internal/profile"
	"github.com/spf13/cobra"
)

var (
	profileFlag string
	jsonFlag    bool
)

func main() {
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Control a running syncd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")

	root.AddCommand(
		statusCmd(),
		chatsCmd(),
		sendCmd(),
		readCmd(),
		outboxCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// daemonClient resolves the profile and connects to its socket.
func daemonClient() (*client, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return nil, err
	}
	socketPath := profile.SocketPath(name)
	if _, err := os.Stat(socketPath); err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: is syncd running?", name)
	}
	return newClient(socketPath), nil
}
