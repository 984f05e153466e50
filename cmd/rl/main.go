package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"readyline/internal/app"
	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/queue"
	"readyline/internal/repo"
	"readyline/internal/server"
	"readyline/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Readyline CLI",
	Long: `Readyline tracks venture readiness across eight dimensions, scored by
background analysis agents. The pipeline: a submit enqueues a durable
assessment job, a worker runs the dimension agents and records one
immutable run per dimension, and queries join runs back to their venture
through the submission that produced them.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("READYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(assessCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			basePath, _ := cmd.Flags().GetString("base-path")
			logger := newLogger()
			a, err := app.Bootstrap(app.Options{Workspace: viper.GetString("workspace"), Logger: logger})
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")},
				Status:   queue.NewInspector(a.Queue, a.Config.Queue.Name),
			})
			if err != nil {
				return err
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errCh := make(chan error, 1)
			go func() {
				logger.Printf("serving on %s", addr)
				errCh <- srv.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env READYLINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func workCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run the assessment worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			a, err := app.Bootstrap(app.Options{Workspace: viper.GetString("workspace"), Logger: logger})
			if err != nil {
				return err
			}
			defer a.Close()

			w, err := worker.New(a.Engine, worker.BaselineAgents(a.Config.Dimensions), logger)
			if err != nil {
				return err
			}
			srv := asynq.NewServerFromRedisClient(a.Queue.Client(), asynq.Config{
				Concurrency: a.Config.Worker.Concurrency,
				Queues:      map[string]int{a.Config.Queue.Name: 1},
			})
			mux := asynq.NewServeMux()
			w.Register(mux)
			logger.Printf("worker consuming queue %s", a.Config.Queue.Name)
			return srv.Run(mux)
		},
	}
}

func assessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assess <venture-id>...",
		Short: "Enqueue a full assessment for one or more ventures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Bootstrap(app.Options{Workspace: viper.GetString("workspace"), Logger: newLogger()})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			actorID := viper.GetString("actor-id")
			var handles []domain.JobHandle
			for _, ventureID := range args {
				h, err := a.Engine.SubmitAssessment(ctx, actorID, ventureID)
				if err != nil {
					return err
				}
				handles = append(handles, h)
			}
			if viper.GetBool("json") {
				return json.NewEncoder(os.Stdout).Encode(handles)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"JOB ID", "VENTURE", "QUEUE"})
			for _, h := range handles {
				t.AppendRow(table.Row{h.ID, h.VentureID, h.Queue})
			}
			t.Render()
			return nil
		},
	}
}

func runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs <venture-id> <dimension>",
		Short: "List assessment runs for a venture and dimension, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Bootstrap(app.Options{Workspace: viper.GetString("workspace"), Logger: newLogger(), SkipQueue: true})
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.Engine.VentureDimensionRuns(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return json.NewEncoder(os.Stdout).Encode(runs)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"CREATED AT", "DIMENSION", "SCORE", "RUN ID", "SUBMISSION"})
			for _, run := range runs {
				score := ""
				if run.Score != nil {
					score = fmt.Sprintf("%.1f", *run.Score)
				}
				t.AppendRow(table.Row{run.CreatedAt, run.Dimension, score, run.ID, run.SubmissionID})
			}
			t.Render()
			return nil
		},
	}
}

func jobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <job-id>",
		Short: "Look up the queue-side status of an assessment job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Bootstrap(app.Options{Workspace: viper.GetString("workspace"), Logger: newLogger()})
			if err != nil {
				return err
			}
			defer a.Close()

			ins := queue.NewInspector(a.Queue, a.Config.Queue.Name)
			status, err := ins.JobStatus(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, queue.ErrJobNotFound) {
					return fmt.Errorf("job %s not found (completed jobs are discarded)", args[0])
				}
				return err
			}
			if viper.GetBool("json") {
				return json.NewEncoder(os.Stdout).Encode(status)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"JOB ID", "STATE", "RETRIED", "MAX RETRY", "LAST ERROR"})
			t.AppendRow(table.Row{status.ID, status.State, status.Retried, status.MaxRetry, status.LastErr})
			t.Render()
			return nil
		},
	}
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor (printed once)",
		RunE: func(c *cobra.Command, args []string) error {
			name, _ := c.Flags().GetString("name")
			a, err := app.Bootstrap(app.Options{Workspace: viper.GetString("workspace"), Logger: newLogger(), SkipQueue: true})
			if err != nil {
				return err
			}
			defer a.Close()

			key := "rk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			record := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   viper.GetString("actor-id"),
				Name:      name,
				KeyHash:   repo.HashAPIKey(key),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if err := a.Engine.Repo.InsertAPIKey(c.Context(), nil, record); err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
	create.Flags().String("name", "", "key name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(c *cobra.Command, args []string) error {
			a, err := app.Bootstrap(app.Options{Workspace: viper.GetString("workspace"), Logger: newLogger(), SkipQueue: true})
			if err != nil {
				return err
			}
			defer a.Close()

			keys, err := a.Engine.Repo.ListAPIKeys(c.Context(), "")
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return json.NewEncoder(os.Stdout).Encode(keys)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "ACTOR", "NAME", "CREATED AT"})
			for _, k := range keys {
				t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
			}
			t.Render()
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			a, err := app.Bootstrap(app.Options{Workspace: viper.GetString("workspace"), Logger: newLogger(), SkipQueue: true})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Engine.Repo.DeleteAPIKey(c.Context(), args[0])
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage readyline.yml",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default readyline.yml",
		RunE: func(c *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cmd
}
