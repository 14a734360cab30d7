package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"studiobot/internal/app"
	"studiobot/internal/bot"
	"studiobot/internal/config"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

type rootFlags struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "botd",
		Short:         "Bot orchestration daemon: scheduled maintenance, lead scoring and deployments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", envOr("STUDIOBOT_CONFIG", "./studiobot.yaml"), "config file (yaml or json); empty uses defaults and env")
	root.PersistentFlags().StringSliceVar(&f.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config; missing files are skipped")

	root.AddCommand(
		newServeCmd(f),
		newRunCmd(f),
		newTriggerCmd(f),
		newHealthCmd(f),
		newVersionCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func (f *rootFlags) configManager() (*config.ConfigManager, error) {
	if err := config.LoadDotEnv(f.envFiles...); err != nil {
		return nil, err
	}
	return config.NewConfigManager(strings.TrimSpace(f.configPath)), nil
}

func (f *rootFlags) newApp() (*app.App, error) {
	cfgm, err := f.configManager()
	if err != nil {
		return nil, err
	}
	return app.New(cfgm)
}

func newServeCmd(f *rootFlags) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, auto-deploy and admin API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := f.newApp()
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return errors.Join(a.Err(), stopErr)
			}
			return stopErr
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func newRunCmd(f *rootFlags) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "run <kind>",
		Short: "Execute one bot once and print the result",
		Long:  "Execute one bot (" + kindList() + ") in-process through the manager, with breaker and error handling, and print the result envelope.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := bot.ParseKind(args[0])
			if err != nil {
				return err
			}
			in, err := parseInput(input)
			if err != nil {
				return err
			}
			return oneShot(cmd, f, func(ctx context.Context, a *app.App) (bot.Result, error) {
				return a.Manager().Execute(ctx, kind, in)
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "{}", "bot input as a JSON object")
	return cmd
}

func newTriggerCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <task>",
		Short: "Run one scheduled task now, outside its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, f, func(ctx context.Context, a *app.App) (bot.Result, error) {
				return a.Scheduler().TriggerTask(ctx, args[0])
			})
		},
	}
}

// oneShot builds the app without starting background loops, runs fn and
// prints its result.
func oneShot(cmd *cobra.Command, f *rootFlags, fn func(context.Context, *app.App) (bot.Result, error)) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := f.newApp()
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopCommand)
	}()

	res, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func newHealthCmd(f *rootFlags) *cobra.Command {
	var addr, token string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query system health from a running daemon's admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" || token == "" {
				cfgm, err := f.configManager()
				if err != nil {
					return err
				}
				cfg, err := cfgm.Parse()
				if err != nil {
					return err
				}
				if addr == "" {
					addr = cfg.Admin.Addr
				}
				if token == "" {
					token = cfg.Admin.Token
				}
			}
			body, err := fetchHealth(cmd.Context(), baseURL(addr), token, timeout)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin API address; defaults to admin.addr from the config")
	cmd.Flags().StringVar(&token, "token", os.Getenv("ADMIN_TOKEN"), "admin API bearer token")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// fetchHealth returns the /bots/health body. Non-2xx answers, such as a
// rejected token, are errors.
func fetchHealth(ctx context.Context, base, token string, timeout time.Duration) ([]byte, error) {
	req := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	resp, err := req.Get("/bots/health")
	if err != nil {
		return nil, fmt.Errorf("admin api unreachable at %s: %w", base, err)
	}
	if resp.IsError() {
		return resp.Body(), fmt.Errorf("admin api: %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
	}
	return resp.Body(), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func parseInput(raw string) (bot.Input, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return bot.Input{}, nil
	}
	var in bot.Input
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("--input must be a JSON object: %w", err)
	}
	if in == nil {
		in = bot.Input{}
	}
	return in, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func kindList() string {
	names := make([]string, 0, len(bot.Kinds()))
	for _, k := range bot.Kinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}
