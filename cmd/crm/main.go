package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"studiocrm/internal/app"
	"studiocrm/internal/config"
	"studiocrm/internal/db"
	"studiocrm/internal/engine"
	"studiocrm/internal/engine/auth"
	"studiocrm/internal/migrate"
	"studiocrm/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "crm",
	Short: "Studio CRM",
	Long: `Studio CRM runs an interior-design studio's project board.
- Contracts: each signed contract gets one card on the board of its project type.
- Columns: New order, stage columns, Waiting and Completed project; leaving a stage needs its sign-offs.
- Stages: executors are assigned, submit their work and get it accepted; leads approve.
- Payments: role payouts are created and revised as the card moves and people change.
- History: every action is appended to the log, see 'crm history tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STUDIOCRM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "acting employee id")
	flags.String("studio", "", "studio id (overrides config)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: console or json")
	for _, name := range []string{"workspace", "json", "actor-id", "studio", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(employeeCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(fileCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if v := viper.GetString("log-level"); v != "" {
		cfg.Level = v
	}
	if v := viper.GetString("log-format"); v != "" {
		cfg.Format = v
	}
	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return zapCfg.Build()
}

// session is an opened workspace with its resolved config and actor.
type session struct {
	Engine engine.Engine
	Actor  auth.Actor
	Logger *zap.Logger
}

func withSession(ctx context.Context, fn func(context.Context, session) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		actor, err := app.ResolveActor(ctx, e.Repo, viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return fn(ctx, session{Engine: e, Actor: actor, Logger: e.Logger})
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("studio"), r)
	if err != nil {
		return err
	}
	logger, err := initLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	e := engine.New(conn, cfg)
	e.Logger = logger
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// printJSONOrTable prints v as JSON with --json, otherwise renders a table.
func printJSONOrTable(v any, render func(t table.Writer)) error {
	if viper.GetBool("json") || render == nil {
		return printJSON(v)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	render(t)
	t.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
