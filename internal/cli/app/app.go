package app

import (
	"fmt"
	"io"
	"strings"
	"time"

	"benchboard/internal/cli/command"
	"benchboard/internal/cli/config"
	httpclient "benchboard/internal/cli/http"
	"benchboard/internal/cli/render"
	"benchboard/internal/cli/repl"
	"benchboard/internal/cli/state"
	"benchboard/internal/identity"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/benchctl.yaml"

type options struct {
	configPath string
	baseURL    string
	timeout    time.Duration
	token      string
	statePath  string
	pretty     bool
}

// env is resolved once per invocation in PersistentPreRunE.
type env struct {
	cfg        config.Config
	tokenState state.TokenState
	client     *httpclient.Client
}

// BuildCLI returns the benchctl command tree.
func BuildCLI() *cobra.Command {
	opts := &options{}
	e := &env{}

	root := &cobra.Command{
		Use:           "benchctl",
		Short:         "Submit code to benchboard and follow the leaderboard",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.load(opts)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "config file path")
	flags.StringVar(&opts.baseURL, "base", "", "override base URL")
	flags.DurationVar(&opts.timeout, "timeout", 0, "override HTTP timeout (e.g. 10s)")
	flags.StringVar(&opts.token, "token", "", "override access token")
	flags.StringVar(&opts.statePath, "state", "", "override token state path")
	flags.BoolVar(&opts.pretty, "pretty", false, "pretty print JSON responses")

	commands := command.Registry()
	services := map[string]*cobra.Command{}
	for _, key := range command.Keys(commands) {
		def := commands[key]
		parent, ok := services[def.Service]
		if !ok {
			parent = &cobra.Command{Use: def.Service, Short: def.Service + " commands"}
			services[def.Service] = parent
			root.AddCommand(parent)
		}
		parent.AddCommand(buildAPICommand(e, def))
	}

	root.AddCommand(buildTokenCommand(e))
	root.AddCommand(buildLogoutCommand(e))
	root.AddCommand(&cobra.Command{
		Use:   "shell",
		Short: "Start an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			session := repl.New(e.client, commands, &e.tokenState, e.cfg.TokenStatePath, *e.cfg.PrettyJSON)
			return session.Run(cmd.Context())
		},
	})
	return root
}

func (e *env) load(opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.baseURL != "" {
		cfg.BaseURL = opts.baseURL
	}
	if opts.timeout > 0 {
		cfg.Timeout = opts.timeout
	}
	if opts.statePath != "" {
		cfg.TokenStatePath = opts.statePath
	}
	if opts.pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}
	tokenState, err := state.Load(cfg.TokenStatePath)
	if err != nil {
		return err
	}
	if opts.token != "" {
		tokenState.AccessToken = opts.token
	}
	e.cfg = cfg
	e.tokenState = tokenState
	e.client = httpclient.New(cfg.BaseURL, cfg.Timeout, func() string {
		return e.tokenState.AccessToken
	})
	return nil
}

// buildAPICommand exposes def both as flags and as trailing key=value args.
func buildAPICommand(e *env, def command.Command) *cobra.Command {
	values := make(map[string]*string, len(def.Fields))
	cmd := &cobra.Command{
		Use:   def.Action + " [key=value ...]",
		Short: def.Short,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := command.ParseArgs(args)
			if err != nil {
				return err
			}
			for name, value := range values {
				if cmd.Flags().Changed(name) {
					params.Set(name, *value)
				}
			}
			if def.RequiresAuth && e.tokenState.AccessToken == "" {
				return fmt.Errorf("%s requires a token, run `benchctl token` or pass --token", def.Key())
			}
			resp, err := command.Execute(cmd.Context(), e.client, def, params)
			if err != nil {
				return err
			}
			render.Response(cmd.OutOrStdout(), resp, *e.cfg.PrettyJSON)
			if resp.StatusCode >= 400 {
				return fmt.Errorf("request failed with HTTP %d", resp.StatusCode)
			}
			return nil
		},
	}
	for _, field := range def.Fields {
		values[field.Name] = cmd.Flags().String(field.Name, "", field.Prompt)
	}
	return cmd
}

func buildTokenCommand(e *env) *cobra.Command {
	var (
		userID string
		name   string
		avatar string
		save   bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an access token with the shared identity secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := identity.NewIssuer(e.cfg.Identity)
			if err != nil {
				return fmt.Errorf("token signing unavailable: %w", err)
			}
			token, err := issuer.Issue(identity.Identity{UserID: strings.TrimSpace(userID), DisplayName: name, AvatarURL: avatar})
			if err != nil {
				return err
			}
			if save {
				e.tokenState = state.TokenState{
					AccessToken: token,
					UserID:      userID,
					ExpiresAt:   expiresAt(e.cfg.Identity.TokenTTL),
				}
				if err := state.Save(e.cfg.TokenStatePath, e.tokenState); err != nil {
					return err
				}
			}
			writeLine(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "subject of the token")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar URL")
	cmd.Flags().BoolVar(&save, "save", true, "store the token in the state file")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func buildLogoutCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			e.tokenState = state.TokenState{}
			return state.Clear(e.cfg.TokenStatePath)
		},
	}
}

func expiresAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return time.Now().Add(ttl).UTC()
}

func writeLine(w io.Writer, s string) {
	_, _ = fmt.Fprintln(w, s)
}
