package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cropline/internal/config"
	"cropline/internal/db"
	"cropline/internal/domain"
	"cropline/internal/engine"
	"cropline/internal/migrate"
	"cropline/internal/notify"
	"cropline/internal/repo"
	"cropline/internal/seed"
	"cropline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Cropline CLI",
	Long: `Cropline tracks per-user crop cultivation workflows.
A crop template defines the steps a crop needs (getting seeds, preparing
soil, planting, watering, ...), their order, dependencies and parameters.
Starting a crop materializes those steps into a dated plan; steps move
through NotStarted -> InProgress -> Completed (or Skipped), recurring steps
like watering respawn on completion, and a daily sweep reminds you when a
step is due. Use 'cl log tail' to see everything that happened.`,
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
	viper.SetEnvPrefix("CROPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(cropCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(remindersCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Built-in crop and step templates"}
	cat.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List crop templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				crops, err := e.Repo.ListCropTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(crops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Crop Type", "Name", "Season Days", "Description"})
				for _, c := range crops {
					tw.AppendRow(table.Row{c.CropType, c.Name, c.EstimatedSeasonDays, c.Description})
				}
				tw.Render()
				return nil
			})
		},
	})
	cat.AddCommand(&cobra.Command{
		Use:   "steps",
		Short: "List step templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				steps, err := e.Repo.ListStepTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step Type", "Name", "Duration", "Recurring"})
				for _, s := range steps {
					dur := "-"
					if s.DefaultParameters.DurationDays != nil {
						dur = fmt.Sprintf("%dd", *s.DefaultParameters.DurationDays)
					}
					tw.AppendRow(table.Row{s.StepType, s.Name, dur, s.DefaultParameters.IsRecurring})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cat
}

func cropCmd() *cobra.Command {
	crop := &cobra.Command{Use: "crop", Short: "Manage crop instances"}
	crop.AddCommand(cropStartCmd())
	crop.AddCommand(cropListCmd())
	crop.AddCommand(cropArchivedCmd())
	crop.AddCommand(cropStepsCmd())
	crop.AddCommand(cropNextCmd())
	crop.AddCommand(cropArchiveCmd())
	crop.AddCommand(cropUnarchiveCmd())
	return crop
}

func cropStartCmd() *cobra.Command {
	var cropType, nickname, startDate string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a crop from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cropType == "" {
				return fmt.Errorf("--type required")
			}
			if nickname == "" {
				nickname = cropType
			}
			start := time.Now().UTC()
			if startDate != "" {
				var err error
				if start, err = parseDate(startDate); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tmpl, err := e.Repo.GetCropTemplateByType(ctx, cropType)
				if err != nil {
					return err
				}
				c, steps, err := e.StartCrop(ctx, viper.GetString("user-id"), tmpl.ID, nickname, start)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"crop": c, "steps": steps})
				}
				fmt.Printf("Started %s (%s) with %d steps\n", c.Nickname, c.ID, len(steps))
				renderSteps(steps)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cropType, "type", "", "crop type, e.g. Spinach")
	cmd.Flags().StringVar(&nickname, "nickname", "", "nickname for this crop")
	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (YYYY-MM-DD, default today)")
	return cmd
}

func cropListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your active crops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				crops, err := e.ListCrops(ctx, viper.GetString("user-id"), true)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(crops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Nickname", "Started", "Active"})
				for _, c := range crops {
					tw.AppendRow(table.Row{c.ID, c.Nickname, c.StartDate.Format("2006-01-02"), c.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func cropArchivedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archived",
		Short: "List your archived crops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				crops, err := e.ListCrops(ctx, viper.GetString("user-id"), false)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(crops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Nickname", "Started", "Archived"})
				for _, c := range crops {
					tw.AppendRow(table.Row{c.ID, c.Nickname, c.StartDate.Format("2006-01-02"), fmtDate(c.CompletedDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func cropStepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps <crop-id>",
		Short: "List a crop's steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				steps, err := e.CropSteps(ctx, viper.GetString("user-id"), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				renderSteps(steps)
				return nil
			})
		},
	}
	return cmd
}

func cropNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <crop-id>",
		Short: "Steps ready to work on",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				steps, err := e.NextSteps(ctx, viper.GetString("user-id"), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				renderSteps(steps)
				return nil
			})
		},
	}
	cmd.Args = cobra.ExactArgs(1)
	return cmd
}

func cropArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <crop-id>",
		Short: "Archive a crop and silence its reminders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ArchiveCrop(ctx, viper.GetString("user-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(c, fmt.Sprintf("Archived %s", c.Nickname))
			})
		},
	}
	return cmd
}

func cropUnarchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unarchive <crop-id>",
		Short: "Reactivate an archived crop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UnarchiveCrop(ctx, viper.GetString("user-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(c, fmt.Sprintf("Unarchived %s", c.Nickname))
			})
		},
	}
	return cmd
}

func stepCmd() *cobra.Command {
	step := &cobra.Command{Use: "step", Short: "Work a crop's steps"}
	step.AddCommand(stepTransitionCmd("start", domain.TriggerStart, "Start a step"))
	step.AddCommand(stepTransitionCmd("complete", domain.TriggerComplete, "Complete a step"))
	step.AddCommand(stepTransitionCmd("skip", domain.TriggerSkip, "Skip a step"))
	step.AddCommand(stepTransitionCmd("reset", domain.TriggerReset, "Reset a step to not started"))
	step.AddCommand(stepShowCmd())
	return step
}

func stepTransitionCmd(use string, trigger domain.StepTrigger, short string) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   use + " <step-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Transition(ctx, viper.GetString("user-id"), args[0], trigger, notes)
				if err != nil {
					return err
				}
				return printJSONOrText(st, fmt.Sprintf("%s is now %s", st.StepName, st.CurrentState))
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "note to record with the transition")
	return cmd
}

func stepShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <step-id>",
		Short: "Step detail with history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.StepDetail(ctx, viper.GetString("user-id"), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("%s (%s) state=%s\n", st.StepName, st.ID, st.CurrentState)
				if len(st.History) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"When", "From", "To", "Trigger", "Notes"})
					for _, h := range st.History {
						tw.AppendRow(table.Row{h.TransitionTime.Format(time.RFC3339), h.FromState, h.ToState, h.Trigger, h.Notes})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	return cmd
}

func remindersCmd() *cobra.Command {
	rem := &cobra.Command{Use: "reminders", Short: "Reminder scheduler"}
	rem.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the daily reminder sweep once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sent, err := e.ProcessDailyReminders(ctx)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]int{"sent": sent}, fmt.Sprintf("%d reminder(s) sent", sent))
			})
		},
	})
	return rem
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var limit int
	var kind string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Events.List(ctx, kind, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "User"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.TS.Format(time.RFC3339), evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.UserID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 50, "max events")
	tail.Flags().StringVar(&kind, "entity-kind", "", "filter by entity kind (crop, step)")
	lg.AddCommand(tail)
	return lg
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  viper.GetString("user-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key created (shown once): %s\n", raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	ak.AddCommand(create)
	ak.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(keys)
			})
		},
	})
	ak.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and reminder scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				secret := os.Getenv("CROPLINE_JWT_SECRET")
				if secret == "" {
					secret = e.Config.Auth.JWTSecret
				}
				if secret == "" {
					return fmt.Errorf("CROPLINE_JWT_SECRET is required for bearer auth")
				}
				authCfg := server.AuthConfig{
					JWTSecret:             secret,
					AllowLegacyUserHeader: e.Config.Auth.AllowLegacyUserHeader,
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				go e.RunReminderLoop(ctx, e.Config.ReminderInterval())
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Cropline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
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
	if err := seed.Run(ctx, conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Log = charmlog.NewWithOptions(os.Stderr, charmlog.Options{ReportTimestamp: true, Prefix: "cropline"})
	if cfg.Notifier.WebhookURL != "" {
		e.Notifier = notify.NewWebhookNotifier(cfg.Notifier.WebhookURL, cfg.Notifier.Secret, cfg.NotifierTimeout())
	} else {
		e.Notifier = notify.LogNotifier{Log: e.Log}
	}
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func renderSteps(steps []domain.StepInstance) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Step", "State", "Planned Start", "Planned End", "Recurrence"})
	for _, s := range steps {
		rec := "-"
		if s.RecurrenceNumber != nil {
			rec = fmt.Sprintf("#%d", *s.RecurrenceNumber)
		}
		tw.AppendRow(table.Row{s.ID, s.StepName, s.CurrentState, fmtDate(s.PlannedStartDate), fmtDate(s.PlannedCompletionDate), rec})
	}
	tw.Render()
}

func fmtDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}
