package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsboard/internal/app"
	"opsboard/internal/config"
	"opsboard/internal/db"
	"opsboard/internal/domain"
	"opsboard/internal/engine"
	"opsboard/internal/sequence"
	"opsboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ob",
	Short: "Opsboard CLI",
	Long: `Opsboard keeps offers, jobs and internal work on per-site kanbans.
- Site: a tenant inside an organization. Every task, kanban and counter belongs to one site.
- Kanban: an ordered set of columns for one task type (OFFERTA, LAVORO or INTERNO).
- Codes: each task gets a unique code such as LAVORO-2024-00017, numbered per site and type.
- Internal categories with a base code number their tasks as <base>-<n>.
- Audit: every task mutation is recorded; view it with 'ob actions'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("site", "", "site id (defaults to the only site)")
	rootCmd.PersistentFlags().String("db-driver", "", "database driver override (sqlite or postgres)")
	rootCmd.PersistentFlags().String("db-dsn", "", "database DSN override")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "site", "db-driver", "db-dsn", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(categoryCmd())
	rootCmd.AddCommand(kanbanCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(countersCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage opsboard.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default opsboard.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
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
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate opsboard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func siteCmd() *cobra.Command {
	site := &cobra.Command{Use: "site", Short: "Manage sites"}
	site.AddCommand(siteCreateCmd())
	site.AddCommand(siteListCmd())
	return site
}

func siteCreateCmd() *cobra.Command {
	var id, orgID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a site (and its organization if missing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSite(ctx, id, orgID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "site id")
	cmd.Flags().StringVar(&orgID, "org", "default-org", "organization id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func siteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSites(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Organization", "Name", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.OrganizationID, s.Name, s.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func categoryCmd() *cobra.Command {
	c := &cobra.Command{Use: "category", Short: "Manage kanban categories"}
	c.AddCommand(categoryCreateCmd())
	c.AddCommand(categoryListCmd())
	return c
}

func categoryCreateCmd() *cobra.Command {
	var id, name string
	var internal bool
	var baseCode int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a kanban category",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				in := engine.CategoryInput{ID: id, Name: name, Internal: internal}
				if cmd.Flags().Changed("base-code") {
					in.InternalBaseCode = &baseCode
				}
				c, err := e.CreateCategory(ctx, in, s.SiteID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "category id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "category name")
	cmd.Flags().BoolVar(&internal, "internal", false, "category for internal work")
	cmd.Flags().IntVar(&baseCode, "base-code", 0, "code prefix for internal tasks, e.g. 5000")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func categoryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List kanban categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				items, err := e.ListCategories(ctx, s.SiteID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Internal", "Base code"})
				for _, c := range items {
					base := ""
					if c.InternalBaseCode != nil {
						base = fmt.Sprint(*c.InternalBaseCode)
					}
					tw.AppendRow(table.Row{c.ID, c.Name, c.Internal, base})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func kanbanCmd() *cobra.Command {
	k := &cobra.Command{Use: "kanban", Short: "Manage kanbans and their columns"}
	k.AddCommand(kanbanCreateCmd())
	k.AddCommand(kanbanListCmd())
	k.AddCommand(kanbanShowCmd())
	k.AddCommand(columnAddCmd())
	return k
}

func kanbanCreateCmd() *cobra.Command {
	var id, name, taskType, categoryID string
	var columns []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a kanban",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				k, cols, err := e.CreateKanban(ctx, engine.KanbanInput{
					ID:         id,
					Name:       name,
					TaskType:   strings.ToUpper(taskType),
					CategoryID: categoryID,
					Columns:    columns,
				}, s.SiteID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"kanban": k, "columns": cols})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "kanban id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "kanban name")
	cmd.Flags().StringVar(&taskType, "type", "", "task type: OFFERTA, LAVORO or INTERNO")
	cmd.Flags().StringVar(&categoryID, "category", "", "category id")
	cmd.Flags().StringArrayVar(&columns, "column", nil, "column name, in order (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func kanbanListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List kanbans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				items, err := e.ListKanbans(ctx, s.SiteID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Type", "Category"})
				for _, k := range items {
					category := ""
					if k.CategoryID != nil {
						category = *k.CategoryID
					}
					tw.AppendRow(table.Row{k.ID, k.Name, k.TaskType, category})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func kanbanShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kanban-id>",
		Short: "Show a kanban with its columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				k, err := e.GetKanban(ctx, args[0], s.SiteID)
				if err != nil {
					return err
				}
				cols, err := e.ListColumns(ctx, k.ID, s.SiteID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"kanban": k, "columns": cols})
				}
				fmt.Printf("Kanban: %s (%s, %s)\n", k.Name, k.ID, k.TaskType)
				tw := newTable(table.Row{"Position", "ID", "Name"})
				for _, c := range cols {
					tw.AppendRow(table.Row{c.Position, c.ID, c.Name})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func columnAddCmd() *cobra.Command {
	var name string
	var position int
	cmd := &cobra.Command{
		Use:   "add-column <kanban-id>",
		Short: "Add a column to a kanban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				c, err := e.AddColumn(ctx, args[0], name, position, s.SiteID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "column name")
	cmd.Flags().IntVar(&position, "position", 0, "column position (appended when 0)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskUpdateCmd())
	t.AddCommand(taskMoveCmd())
	t.AddCommand(taskArchiveCmd(true))
	t.AddCommand(taskArchiveCmd(false))
	t.AddCommand(taskDeleteCmd())
	t.AddCommand(taskPromoteCmd())
	t.AddCommand(taskHistoryCmd())
	t.AddCommand(taskQualityCmd())
	t.AddCommand(taskPackingCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var kanbanID, columnID, parentID, clientID, productID, title, start, delivery, notes string
	var price float64
	var positions []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task with a freshly allocated code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				in := engine.TaskInput{
					KanbanID:     kanbanID,
					ColumnID:     optionalString(columnID),
					ParentTaskID: optionalString(parentID),
					ClientID:     optionalString(clientID),
					ProductID:    optionalString(productID),
					Title:        title,
					StartDate:    optionalString(start),
					DeliveryDate: optionalString(delivery),
					Positions:    positions,
					Notes:        notes,
				}
				if cmd.Flags().Changed("price") {
					in.Price = &price
				}
				t, err := e.CreateTask(ctx, in, s)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&kanbanID, "kanban", "", "kanban id")
	cmd.Flags().StringVar(&columnID, "column", "", "column id (first column when empty)")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent offer id")
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringVar(&productID, "product", "", "product id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&start, "start", "", "start date YYYY-MM-DD")
	cmd.Flags().StringVar(&delivery, "delivery", "", "delivery date YYYY-MM-DD")
	cmd.Flags().Float64Var(&price, "price", 0, "price")
	cmd.Flags().StringArrayVar(&positions, "position", nil, "position line (repeatable, max 8)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("kanban")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f engine.TaskFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				f.TaskType = strings.ToUpper(f.TaskType)
				items, err := e.ListTasks(ctx, s.SiteID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Code", "ID", "Title", "Kanban", "Column", "Delivery", "Archived"})
				for _, t := range items {
					delivery := ""
					if t.DeliveryDate != nil {
						delivery = *t.DeliveryDate
					}
					tw.AppendRow(table.Row{t.UniqueCode, t.ID, t.Title, t.KanbanID, t.KanbanColumnID, delivery, t.Archived})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.KanbanID, "kanban", "", "filter by kanban")
	cmd.Flags().StringVar(&f.ColumnID, "column", "", "filter by column")
	cmd.Flags().StringVar(&f.TaskType, "type", "", "filter by task type")
	cmd.Flags().StringVar(&f.ParentTaskID, "parent", "", "filter by parent offer")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived tasks")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id|code>",
		Short: "Show a task by id or unique code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				t, err := e.GetTask(ctx, args[0], s.SiteID)
				if engine.IsNotFound(err) {
					t, err = e.GetTaskByCode(ctx, s.SiteID, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var kanbanID, columnID, parentID, clientID, productID, title, start, delivery, notes string
	var price float64
	var clearPrice bool
	var positions []string
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update task fields; only flags given are changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			changed := func(name string, v *string) *string {
				if flags.Changed(name) {
					return v
				}
				return nil
			}
			patch := engine.TaskPatch{
				KanbanID:     changed("kanban", &kanbanID),
				ColumnID:     changed("column", &columnID),
				ParentTaskID: changed("parent", &parentID),
				ClientID:     changed("client", &clientID),
				ProductID:    changed("product", &productID),
				Title:        changed("title", &title),
				StartDate:    changed("start", &start),
				DeliveryDate: changed("delivery", &delivery),
				Notes:        changed("notes", &notes),
				ClearPrice:   clearPrice,
			}
			if flags.Changed("price") {
				patch.Price = &price
			}
			if flags.Changed("position") {
				patch.Positions = &positions
			}
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				t, err := e.UpdateTask(ctx, args[0], patch, s)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&kanbanID, "kanban", "", "move to another kanban of the same type (resets column)")
	cmd.Flags().StringVar(&columnID, "column", "", "column id")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent offer id (empty clears)")
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringVar(&productID, "product", "", "product id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&start, "start", "", "start date YYYY-MM-DD")
	cmd.Flags().StringVar(&delivery, "delivery", "", "delivery date YYYY-MM-DD")
	cmd.Flags().Float64Var(&price, "price", 0, "price")
	cmd.Flags().BoolVar(&clearPrice, "clear-price", false, "remove the price")
	cmd.Flags().StringArrayVar(&positions, "position", nil, "replace position lines (repeatable)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func taskMoveCmd() *cobra.Command {
	var columnID string
	cmd := &cobra.Command{
		Use:   "move <task-id>",
		Short: "Move a task to another column of its kanban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				t, err := e.MoveTask(ctx, args[0], columnID, s)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&columnID, "column", "", "target column id")
	_ = cmd.MarkFlagRequired("column")
	return cmd
}

func taskArchiveCmd(archived bool) *cobra.Command {
	use, short := "archive <task-id>", "Archive a task"
	if !archived {
		use, short = "unarchive <task-id>", "Restore an archived task"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				t, err := e.ArchiveTask(ctx, args[0], archived, s)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task with its history and controls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				if err := e.DeleteTask(ctx, args[0], s); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func taskPromoteCmd() *cobra.Command {
	var kanbanID, columnID string
	cmd := &cobra.Command{
		Use:   "promote <offer-id>",
		Short: "Create a job from an offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				t, err := e.PromoteOffer(ctx, args[0], kanbanID, optionalString(columnID), s)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&kanbanID, "kanban", "", "job kanban id")
	cmd.Flags().StringVar(&columnID, "column", "", "column id (first column when empty)")
	_ = cmd.MarkFlagRequired("kanban")
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show earlier versions of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				items, err := e.TaskHistory(ctx, args[0], s.SiteID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"When", "By", "Column", "Title"})
				for _, h := range items {
					var snap domain.Task
					_ = json.Unmarshal([]byte(h.SnapshotJSON), &snap)
					tw.AppendRow(table.Row{h.CreatedAt, h.ChangedBy, snap.KanbanColumnID, snap.Title})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func taskQualityCmd() *cobra.Command {
	var outcome, notes string
	cmd := &cobra.Command{
		Use:   "qc <task-id>",
		Short: "Record a quality control",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				q, err := e.AddQualityControl(ctx, args[0], outcome, notes, s)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "passed, failed or rework")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func taskPackingCmd() *cobra.Command {
	var packages int
	var notes string
	cmd := &cobra.Command{
		Use:   "pack <task-id>",
		Short: "Record a packing control",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				p, err := e.AddPackingControl(ctx, args[0], packages, notes, s)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().IntVar(&packages, "packages", 0, "number of packages")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func actionsCmd() *cobra.Command {
	var typ string
	var limit int
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Show the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				items, err := e.ListActions(ctx, s.SiteID, typ, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"When", "Type", "User", "Data"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.CreatedAt, a.Type, a.UserID, a.DataJSON})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "action type, e.g. task_move")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func countersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counters",
		Short: "Show code counters for the site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				items, err := sequence.NewStore(e.DB).List(ctx, s.SiteID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Namespace", "Last value", "Updated"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.Namespace, c.LastValue, c.UpdatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the actor on the site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				key, plain, err := e.CreateAPIKey(ctx, s.UserID, s.SiteID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "site_id": key.SiteID, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys on the site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				items, err := e.Repo.ListAPIKeys(ctx, s.SiteID)
				if err != nil {
					return err
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Created"})
				for _, key := range items {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	return k
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the actor on the site (needs OPSBOARD_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("OPSBOARD_JWT_SECRET is required")
			}
			return withScope(cmd.Context(), func(ctx context.Context, e engine.Engine, s engine.Scope) error {
				token, err := server.SignToken(secret, s.UserID, s.SiteID, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, headerAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			env, err := openEnv(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer env.Close()
			if !cmd.Flags().Changed("addr") && env.Config.Server.Addr != "" {
				addr = env.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && env.Config.Server.BasePath != "" {
				basePath = env.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:       viper.GetString("jwt_secret"),
				AllowDevLogin:   devLogin,
				AllowHeaderAuth: headerAuth,
				Logger:          logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("OPSBOARD_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: env.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving opsboard API", "addr", addr, "base_path", basePath, "driver", env.Config.Database.Driver)
			fmt.Printf("Serving Opsboard API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login (local only)")
	cmd.Flags().BoolVar(&headerAuth, "header-auth", false, "trust X-Actor-Id/X-Site-Id headers (local only)")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openEnv(ctx context.Context, logger *slog.Logger) (*app.Env, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Driver:    viper.GetString("db-driver"),
		DSN:       viper.GetString("db-dsn"),
		Logger:    logger,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	env, err := openEnv(ctx, newLogger())
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env.Engine)
}

func withScope(ctx context.Context, fn func(context.Context, engine.Engine, engine.Scope) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		site, err := app.ResolveSite(ctx, e.Repo, viper.GetString("site"))
		if err != nil {
			return err
		}
		return fn(ctx, e, engine.Scope{SiteID: site.ID, UserID: viper.GetString("actor-id")})
	})
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
