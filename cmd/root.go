package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "wxt",
		Short:         "Webex terminal client: chat in a room from your shell",
		Long:          "wxt keeps one live subscription to a Webex room per terminal. Authenticate once with 'wxt login', then 'wxt join' a room to chat; the credential is shared across terminals.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(),
		newLoginCmd(app),
		newLogoutCmd(app),
		newWhoamiCmd(app),
		newRoomsCmd(app),
		newJoinCmd(app),
	)

	return rootCmd
}
