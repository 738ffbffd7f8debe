package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	authadapter "github.com/bnema/webex-term/internal/adapters/auth"
)

func newLoginCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate with Webex in your browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBrowserLogin(cmd, app)
		},
	}
}

func runBrowserLogin(cmd *cobra.Command, app *app) error {
	if cred, err := app.credStore.Load(cmd.Context()); err == nil && cred.Valid(app.clock.Now()) {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Already authenticated. Run 'wxt logout' first to switch accounts.")
		return nil
	}

	if app.browserLogin.ClientID == "" {
		return errors.New("no OAuth client configured: set WEBEX_CLIENT_ID and WEBEX_CLIENT_SECRET")
	}

	state, err := authadapter.NewState()
	if err != nil {
		return fmt.Errorf("generate oauth state: %w", err)
	}

	server, err := authadapter.StartCallbackServer(app.browserLogin.ListenAddr, state)
	if err != nil {
		return fmt.Errorf("start callback server: %w", err)
	}

	authURL, err := authadapter.BuildAuthorizationURL(authadapter.AuthorizationRequest{
		AuthURL:     app.browserLogin.AuthURL,
		ClientID:    app.browserLogin.ClientID,
		RedirectURI: server.RedirectURI(),
		Scopes:      app.browserLogin.Scopes,
		State:       state,
	})
	if err != nil {
		_ = server.Close()
		return fmt.Errorf("build authorization url: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to authenticate:\n%s\n\nWaiting for the browser callback...\n", authURL)

	code, err := server.WaitForCode(app.browserLogin.Timeout)
	if err != nil {
		return fmt.Errorf("wait for oauth callback: %w", err)
	}

	cred, err := app.tokens.ExchangeCode(cmd.Context(), code, server.RedirectURI())
	if err != nil {
		return fmt.Errorf("exchange code for tokens: %w", err)
	}

	if err := app.credStore.Save(cmd.Context(), cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}

	// Best effort: stamp the credential with the account it belongs to.
	if me, meErr := app.api.GetMe(cmd.Context()); meErr == nil {
		cred.AccountID = me.ID
		if saveErr := app.credStore.Save(cmd.Context(), cred); saveErr != nil {
			app.logger.Warn().Err(saveErr).Msg("could not record account id on credential")
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Authenticated as %s\n", me.DisplayName)
		return nil
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Authenticated")
	return nil
}
