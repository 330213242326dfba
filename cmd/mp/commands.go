package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionproof/internal/app"
	"missionproof/internal/config"
	"missionproof/internal/db"
	"missionproof/internal/domain"
	"missionproof/internal/engine"
	"missionproof/internal/engine/auth"
	"missionproof/internal/events"
	"missionproof/internal/migrate"
	"missionproof/internal/repo"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage missionproof.yml",
		Long:  "Config lists the missions and their tasks, platform domains, review settings, roles and the optional NATS stream.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(a.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(path)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Inspect and import missions"}
	m.AddCommand(missionListCmd())
	m.AddCommand(missionImportCmd())
	return m
}

func missionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMissions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Winners/Task", "Tasks"})
				for _, m := range items {
					winners := "unlimited"
					if m.WinnersPerTask != nil {
						winners = fmt.Sprint(*m.WinnersPerTask)
					}
					tw.AppendRow(table.Row{m.ID, m.Type, winners, len(m.Tasks)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func missionImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import missions and roles from a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RequirePermission(ctx, actorID(), auth.PermMissionImport); err != nil {
					return err
				}
				if err := e.SyncConfig(ctx, cfg, actorID()); err != nil {
					return err
				}
				fmt.Printf("imported %d missions\n", len(cfg.Missions))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file to import")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func completionCmd() *cobra.Command {
	c := &cobra.Command{
		Use:     "completion",
		Aliases: []string{"c"},
		Short:   "Report and review task completions",
	}
	c.AddCommand(completionSubmitCmd())
	c.AddCommand(completionFlagCmd())
	c.AddCommand(completionVerifyCmd())
	c.AddCommand(completionRedoCmd())
	c.AddCommand(completionStatusCmd())
	c.AddCommand(completionListCmd())
	return c
}

func completionSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	var method string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Report that you completed a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UserID = actorID()
			opts.Method = domain.VerificationMethod(method)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SubmitCompletion(ctx, opts)
				if err != nil {
					return err
				}
				return printCompletions([]domain.TaskCompletion{c})
			})
		},
	}
	cmd.Flags().StringVar(&opts.MissionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&opts.ProofURL, "proof", "", "post URL for link tasks")
	cmd.Flags().StringVar(&method, "method", "", "direct or link (defaults to the task's method)")
	_ = cmd.MarkFlagRequired("mission")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func completionFlagCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "flag <completion-id>",
		Short: "Flag a completion (reviewers)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.FlagCompletion(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printCompletions([]domain.TaskCompletion{c})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the proof was rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func completionVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <completion-id>",
		Short: "Verify a pending completion (reviewers)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.VerifyCompletion(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printCompletions([]domain.TaskCompletion{c})
			})
		},
	}
}

func completionRedoCmd() *cobra.Command {
	var proof string
	cmd := &cobra.Command{
		Use:   "redo <completion-id>",
		Short: "Start a flagged task over",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RedoCompletion(ctx, engine.RedoOptions{CompletionID: args[0], ActorID: actorID(), ProofURL: proof})
				if err != nil {
					return err
				}
				return printCompletions([]domain.TaskCompletion{c})
			})
		},
	}
	cmd.Flags().StringVar(&proof, "proof", "", "new post URL for link tasks")
	return cmd
}

func completionStatusCmd() *cobra.Command {
	var missionID, taskID, userID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current status of a task for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.GetCurrentStatus(ctx, missionID, taskID, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				status := string(st.Status)
				if status == "" {
					status = "none"
				}
				fmt.Printf("%s/%s for %s: %s (client state %s)\n", st.MissionID, st.TaskID, st.UserID, status, st.ClientState)
				if st.Completion != nil && st.Completion.FlaggedReason != nil {
					fmt.Printf("flagged: %s\n", *st.Completion.FlaggedReason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to --actor-id)")
	_ = cmd.MarkFlagRequired("mission")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func completionListCmd() *cobra.Command {
	var f repo.CompletionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List completion records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCompletions(ctx, f)
				if err != nil {
					return err
				}
				return printCompletions(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.MissionID, "mission", "", "mission filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.UserID, "user", "", "user filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Method, "method", "", "direct or link")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func printCompletions(items []domain.TaskCompletion) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Mission", "Task", "User", "Status", "Method", "Proof", "Created"})
	for _, c := range items {
		tw.AppendRow(table.Row{c.ID, c.MissionID, c.TaskID, c.UserID, c.Status, c.VerificationMethod, c.SubmissionURL, c.CreatedAt})
	}
	tw.Render()
	return nil
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{Use: "review", Short: "Review link submissions"}
	r.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Fetch one submission to review",
		Long:  "Nothing is reserved; decide with 'mp completion verify' or 'mp completion flag'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.RequestReviewItem(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"item": item})
				}
				if item == nil {
					fmt.Println("nothing to review")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"Completion", item.CompletionID},
					{"Mission", item.MissionID},
					{"Task", item.TaskID},
					{"Submitter", item.SubmitterID},
					{"Handle", item.SubmitterHandle},
					{"URL", item.SubmissionURL},
					{"Submitted", item.SubmittedAt},
				})
				tw.Render()
				return nil
			})
		},
	})
	return r
}

func aggregateCmd() *cobra.Command {
	a := &cobra.Command{Use: "aggregate", Short: "Verified counts per mission"}
	a.AddCommand(&cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show per-task counts and open winner slots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agg, err := e.GetAggregate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agg)
				}
				m, err := e.Catalog.Mission(ctx, args[0])
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Verified", "Remaining"})
				for _, id := range m.TaskIDs() {
					n := agg.TaskCounts[id]
					remaining := "-"
					if agg.Capped() {
						remaining = fmt.Sprint(max(*agg.WinnersPerTask-n, 0))
					}
					tw.AppendRow(table.Row{id, n, remaining})
				}
				tw.AppendFooter(table.Row{"Total", agg.TotalCompletions, ""})
				tw.Render()
				return nil
			})
		},
	})
	return a
}

func progressCmd() *cobra.Command {
	p := &cobra.Command{Use: "progress", Short: "Per-user mission progress"}
	var userID string
	show := &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a user's progress in a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				prog, err := e.GetProgress(ctx, args[0], userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(prog)
				}
				fmt.Printf("%s in %s: %d/%d tasks verified\n", prog.UserID, prog.MissionID, prog.VerifiedCount, prog.TotalTasks)
				if prog.CompletedAt != nil {
					fmt.Printf("mission completed at %s\n", *prog.CompletedAt)
				}
				return nil
			})
		},
	}
	show.Flags().StringVar(&userID, "user", "", "user id (defaults to --actor-id)")
	p.AddCommand(show)
	return p
}

func profileCmd() *cobra.Command {
	p := &cobra.Command{Use: "profile", Short: "Your handles on social platforms"}
	p.AddCommand(&cobra.Command{
		Use:   "set <platform> <handle>",
		Short: "Declare your handle on a platform",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				prof, err := e.SetProfile(ctx, actorID(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(prof)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your declared handles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProfiles(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Platform", "Handle", "Updated"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Platform, "@" + it.Handle, it.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return p
}

func rbacCmd() *cobra.Command {
	r := &cobra.Command{Use: "rbac", Short: "Roles and permissions"}
	r.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show your roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	})
	r.AddCommand(roleChangeCmd("grant", "Grant a role", func(ctx context.Context, e engine.Engine, target, role string) error {
		return e.GrantRole(ctx, target, role)
	}))
	r.AddCommand(roleChangeCmd("revoke", "Revoke a role", func(ctx context.Context, e engine.Engine, target, role string) error {
		return e.RevokeRole(ctx, target, role)
	}))
	r.AddCommand(rbacBootstrapCmd())
	return r
}

func roleChangeCmd(use, short string, apply func(context.Context, engine.Engine, string, string) error) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RequirePermission(ctx, actorID(), auth.PermRBACManage); err != nil {
					return err
				}
				return apply(ctx, e, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacBootstrapCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Grant a role without permission checks (first owner only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var holders int
				err := e.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM actor_roles WHERE role_id=?`, role).Scan(&holders)
				if err != nil && err != sql.ErrNoRows {
					return err
				}
				if holders > 0 {
					return fmt.Errorf("role %s already has holders; use 'mp rbac grant'", role)
				}
				return e.GrantRole(ctx, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "owner", "role id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var owner, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key; the raw key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				owner = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RequirePermission(ctx, actorID(), auth.PermAPIKeyManage); err != nil {
					return err
				}
				key, raw, err := e.CreateAPIKey(ctx, owner, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
			})
		},
	}
	create.Flags().StringVar(&owner, "actor", "", "key owner (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RequirePermission(ctx, actorID(), auth.PermAPIKeyManage); err != nil {
					return err
				}
				keys, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RequirePermission(ctx, actorID(), auth.PermAPIKeyManage); err != nil {
					return err
				}
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}

func triggerCmd() *cobra.Command {
	t := &cobra.Command{Use: "trigger", Short: "Change-feed triggers"}
	t.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Deliver every pending completion write",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.Triggers.Drain(cmd.Context())
			fmt.Printf("delivered %d writes\n", n)
			return err
		},
	})
	t.AddCommand(&cobra.Command{
		Use:   "lag",
		Short: "Show how far each subscription trails the feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			viper.Set("drain", false)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lag, err := a.Triggers.Lag(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lag)
				}
				names := make([]string, 0, len(lag))
				for name := range lag {
					names = append(names, name)
				}
				sort.Strings(names)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Subscription", "Behind"})
				for _, name := range names {
					tw.AppendRow(table.Row{name, lag[name]})
				}
				tw.Render()
				return nil
			})
		},
	})
	return t
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit events"}
	var n int
	var missionID, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.LatestEvents(ctx, n, missionID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Mission", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.MissionID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&missionID, "mission", "", "mission filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter, e.g. "+events.AggregateCapSkipped)
	l.AddCommand(tail)
	return l
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Workspace database"}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the schema version without migrating",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			st, err := migrate.CurrentStatus(conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": db.Path(workspace), "schema": st})
			}
			fmt.Printf("%s: schema %d/%d, %d pending\n", db.Path(workspace), st.Current, st.Latest, len(st.Pending))
			return nil
		},
	})
	return d
}
