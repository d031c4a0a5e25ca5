package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"studiocrm/internal/config"
	"studiocrm/internal/db"
	"studiocrm/internal/domain"
	"studiocrm/internal/engine"
	"studiocrm/internal/migrate"
	"studiocrm/internal/repo"
	"studiocrm/internal/server"
	"studiocrm/internal/storage"
)

func fileCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "file", Short: "Stage files"}
	cmd.AddCommand(fileAttachCmd())
	cmd.AddCommand(fileListCmd())
	cmd.AddCommand(fileRemoveCmd())
	return cmd
}

func fileAttachCmd() *cobra.Command {
	var cardID, stage string
	cmd := &cobra.Command{
		Use:   "attach <path>...",
		Short: "Upload files to a stage of a card",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				store, err := openStore(s.Engine)
				if err != nil {
					return err
				}
				col := domain.Column(stage)
				if len(args) == 1 {
					f, err := s.Engine.UploadStageFile(ctx, s.Actor, store, cardID, col, args[0])
					if err != nil {
						return err
					}
					return printFiles([]domain.StageFile{f})
				}
				files, err := attachMany(ctx, s, store, cardID, col, args)
				if perr := printFiles(files); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&cardID, "card", "", "card id")
	cmd.Flags().StringVar(&stage, "stage", "", "stage column")
	_ = cmd.MarkFlagRequired("card")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

// attachMany uploads on background workers and records each finished upload
// here, one at a time.
func attachMany(ctx context.Context, s session, store storage.Store, cardID string, stage domain.Column, paths []string) ([]domain.StageFile, error) {
	card, err := s.Engine.Repo.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if !domain.ValidStage(card.ProjectType, stage) {
		return nil, fmt.Errorf("%q is not a stage of %s projects", stage, card.ProjectType)
	}
	contract, err := s.Engine.Repo.GetContract(ctx, card.ContractID)
	if err != nil {
		return nil, err
	}
	up := storage.NewUploader(ctx, store, s.Engine.Config.Storage.Workers, s.Logger)
	go func() {
		defer up.Close()
		for i, p := range paths {
			job := storage.Job{ID: fmt.Sprint(i), LocalPath: p, RemoteFolder: engine.StageFolder(contract.Number, stage), Publish: true}
			if err := up.Submit(ctx, job); err != nil {
				s.Logger.Warn("submit upload failed", zap.String("path", p), zap.Error(err))
				return
			}
		}
	}()
	var files []domain.StageFile
	var failed int
	for res := range up.Results() {
		if res.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "upload %s failed: %v\n", filepath.Base(res.Job.LocalPath), res.Err)
			continue
		}
		f, err := s.Engine.AttachStageFile(ctx, s.Actor, cardID, stage, res.Object)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "record %s failed: %v\n", res.Object.FileName, err)
			if _, derr := store.Delete(ctx, res.Object.RemotePath); derr != nil {
				s.Logger.Warn("orphaned blob", zap.String("remote_path", res.Object.RemotePath), zap.Error(derr))
			}
			continue
		}
		files = append(files, f)
	}
	if failed > 0 {
		return files, fmt.Errorf("%d of %d files failed", failed, len(paths))
	}
	return files, nil
}

func fileListCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "list <card-id>",
		Short: "List stage files of a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				files, err := r.ListStageFiles(ctx, args[0], domain.Column(stage))
				if err != nil {
					return err
				}
				return printFiles(files)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	return cmd
}

func fileRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <file-id>",
		Short: "Remove a stage file and its blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				store, err := openStore(s.Engine)
				if err != nil {
					return err
				}
				warnings, err := s.Engine.RemoveStageFile(ctx, s.Actor, store, args[0])
				if err != nil {
					return err
				}
				printWarnings(warnings)
				fmt.Println("removed", args[0])
				return nil
			})
		},
	}
}

// openStore builds the configured blob store. A relative local root is taken
// from the workspace.
func openStore(e engine.Engine) (storage.Store, error) {
	cfg := e.Config.Storage
	if cfg.Root != "" && !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(viper.GetString("workspace"), cfg.Root)
	}
	return storage.New(cfg, e.Logger)
}

func printFiles(files []domain.StageFile) error {
	return printJSONOrTable(files, func(t table.Writer) {
		t.AppendHeader(table.Row{"ID", "Stage", "Name", "Link"})
		for _, f := range files {
			link := f.PublicLink
			if link == "" {
				link = f.RemotePath
			}
			t.AppendRow(table.Row{f.ID, f.Stage, f.FileName, link})
		}
	})
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "history", Short: "Action history"}
	cmd.AddCommand(historyTailCmd())
	return cmd
}

func historyTailCmd() *cobra.Command {
	var f repo.HistoryFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest history entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListHistory(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(t table.Writer) {
					t.AppendHeader(table.Row{"ID", "Time", "Actor", "Action", "Entity", "Description"})
					for _, h := range items {
						t.AppendRow(table.Row{h.ID, h.TS, h.ActorID, h.ActionType, h.EntityType + ":" + h.EntityID, h.Description})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "card, contract, payment or employee")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ActionType, "action", "", "action type, e.g. card.moved")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor employee id")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Studio configuration"}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configImportCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				data, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a config file (default: the workspace studiocrm.yml)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid (studio %s, %d tariffs)\n", path, cfg.Studio.ID, len(cfg.Tariffs))
			return nil
		},
	}
}

func configImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Store a config file in the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			if s := viper.GetString("studio"); s != "" {
				cfg.Studio.ID = s
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertStudioConfig(ctx, nil, cfg); err != nil {
					return err
				}
				fmt.Printf("imported config for studio %s\n", cfg.Studio.ID)
				return nil
			})
		},
	}
}

func configInitCmd() *cobra.Command {
	var studioID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default studiocrm.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(studioID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&studioID, "id", "studio", "studio id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for scripted clients"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sck_" + hex.EncodeToString(buf), nil
}

func apikeyCreateCmd() *cobra.Command {
	var employeeID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key acting as an employee",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if employeeID == "" {
					employeeID = s.Actor.EmployeeID
				}
				if employeeID != s.Actor.EmployeeID {
					if err := s.Actor.Require("create api key for another employee", domain.TierA); err != nil {
						return err
					}
				}
				emp, err := s.Engine.Repo.GetEmployee(ctx, employeeID)
				if err != nil {
					return err
				}
				secret, err := newAPIKeySecret()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:         uuid.NewString(),
					EmployeeID: emp.ID,
					Name:       name,
					KeyHash:    repo.HashAPIKey(secret),
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if err := s.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "employee_id": emp.ID, "key": secret}
				return printJSONOrTable(out, func(t table.Writer) {
					t.SetCaption("the key is shown once")
					t.AppendHeader(table.Row{"ID", "Employee", "Key"})
					t.AppendRow(table.Row{key.ID, emp.FullName, secret})
				})
			})
		},
	}
	cmd.Flags().StringVar(&employeeID, "employee", "", "employee id (default: the actor)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var employeeID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, employeeID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys, func(t table.Writer) {
					t.AppendHeader(table.Row{"ID", "Employee", "Name", "Created"})
					for _, k := range keys {
						t.AppendRow(table.Row{k.ID, k.EmployeeID, k.Name, k.CreatedAt})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&employeeID, "employee", "", "employee filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Actor.Require("revoke api key", domain.TierA); err != nil {
					return err
				}
				if err := s.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Database schema"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and latest schema versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			current, latest, err := migrate.Status(conn)
			if err != nil {
				return err
			}
			out := map[string]any{"database": db.Path(db.Config{Workspace: workspace}), "current": current, "latest": latest}
			return printJSONOrTable(out, func(t table.Writer) {
				t.AppendHeader(table.Row{"Database", "Current", "Latest"})
				t.AppendRow(table.Row{out["database"], current, latest})
			})
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	var tokenTTL time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					return errors.New("STUDIOCRM_JWT_SECRET is required for bearer auth")
				}
				store, err := openStore(e)
				if err != nil {
					e.Logger.Warn("file storage unavailable, blobs are kept on file removal", zap.Error(err))
					store = nil
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, TokenTTL: tokenTTL, AllowActorHeader: allowActorHeader},
					Store:    store,
					Logger:   e.Logger,
				})
				if err != nil {
					return err
				}
				if err := server.StartWebhooks(ctx, e, e.Logger); err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				e.Logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving Studio CRM API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 12*time.Hour, "bearer token lifetime")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Employee-Id without credentials (local use)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
