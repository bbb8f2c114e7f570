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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/access"
	"taskline/internal/app"
	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/logging"
	"taskline/internal/server"
	"taskline/internal/token"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline is a small task tracker with accounts, roles and assignments.
- Workspace: the .taskline directory next to you holds the database; taskline.yml holds server settings.
- Users: accounts with a display name, email and password. The first registered account becomes Admin.
- Roles: Admin can do everything; everyone else edits what they created or are assigned to.
- Tasks: work items with status, priority, progress and an optional due date.
- Assignments: picking up a task moves it from NotStarted to InProgress; dropping the last assignee moves it back.
- Tokens: the server hands out signed session tokens on login; 'tl token issue' mints one locally.`,
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
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "acting user (id or email)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskline.yml with a fresh signing secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			secret := uuid.NewString() + uuid.NewString()
			if err := os.WriteFile(path, []byte(config.GenerateDefault(secret)), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			logger := logging.New(cfg.Log.File, cfg.Log.Level)
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			codec, err := codecFrom(cfg)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{Codec: codec, Logger: logger},
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- user ---

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userRegisterCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userGrantRoleCmd())
	user.AddCommand(userRevokeRoleCmd())
	return user
}

func userRegisterCmd() *cobra.Command {
	var displayName, email, password string
	var admin bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a user account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				roles := []string{domain.RoleUser}
				first, err := a.FirstUser(ctx)
				if err != nil {
					return err
				}
				if admin || first {
					roles = append(roles, domain.RoleAdmin)
				}
				u, err := a.Engine.Register(ctx, engine.RegisterOptions{
					DisplayName:     displayName,
					Email:           email,
					Password:        password,
					ConfirmPassword: password,
					Roles:           roles,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the Admin role")
	_ = cmd.MarkFlagRequired("display-name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				users, err := a.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Display Name", "Email", "Roles"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.DisplayName, u.Email, strings.Join(u.Roles, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userGrantRoleCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "grant-role <user>",
		Short: "Grant a role to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.Context, actor access.Actor) error {
				target, err := a.ResolveActor(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.Engine.GrantRole(ctx, actor, target.ID, role); err != nil {
					return err
				}
				u, err := a.Repo.GetUser(ctx, target.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", domain.RoleAdmin, "role to grant (Admin, User)")
	return cmd
}

func userRevokeRoleCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "revoke-role <user>",
		Short: "Revoke a role from a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.Context, actor access.Actor) error {
				target, err := a.ResolveActor(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.Engine.RevokeRole(ctx, actor, target.ID, role); err != nil {
					return err
				}
				u, err := a.Repo.GetUser(ctx, target.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", domain.RoleAdmin, "role to revoke")
	return cmd
}

// --- task ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks carry a status (NotStarted, InProgress, UnderReview, Completed, Archived), a priority, a progress percentage and an optional due date. Assigning the first user starts a task; unassigning the last one parks it again.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskUnassignCmd())
	task.AddCommand(taskAssigneesCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, description, priority, dueDate string
	var progress int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.Context, actor access.Actor) error {
				draft := engine.TaskDraft{
					Title:       title,
					Description: description,
					Priority:    priority,
					Progress:    progress,
					DueDate:     optionalString(dueDate),
				}
				t, err := a.Engine.CreateTask(ctx, actor, draft)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (Low, Medium, High, Critical)")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress 0-100")
	cmd.Flags().StringVar(&dueDate, "due", "", "due date (RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.Context, actor access.Actor) error {
				var (
					views []engine.TaskView
					err   error
				)
				if mine {
					views, err = a.Engine.ListMyTasks(ctx, actor)
				} else {
					views, err = a.Engine.ListTasks(ctx, actor)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Progress", "Assignees"})
				for _, v := range views {
					names := make([]string, 0, len(v.AssignedUsers))
					for _, u := range v.AssignedUsers {
						names = append(names, u.DisplayName)
					}
					tw.AppendRow(table.Row{v.ID, v.Title, v.Status, v.Priority, fmt.Sprintf("%d%%", v.Progress), strings.Join(names, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "only tasks you created or are assigned to")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.Context, actor access.Actor) error {
				v, err := a.Engine.GetTask(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, status, priority, dueDate string
	var progress int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.Context, actor access.Actor) error {
				var patch engine.TaskPatch
				if cmd.Flags().Changed("title") {
					patch.Title = &title
				}
				if cmd.Flags().Changed("description") {
					patch.Description = &description
				}
				if cmd.Flags().Changed("status") {
					patch.Status = &status
				}
				if cmd.Flags().Changed("priority") {
					patch.Priority = &priority
				}
				if cmd.Flags().Changed("progress") {
					patch.Progress = &progress
				}
				if cmd.Flags().Changed("due") {
					patch.DueDate = &dueDate
				}
				t, err := a.Engine.UpdateTask(ctx, actor, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "status (admin only)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (admin only)")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress 0-100")
	cmd.Flags().StringVar(&dueDate, "due", "", "due date (admin only, empty clears)")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.Context, actor access.Actor) error {
				return a.Engine.DeleteTask(ctx, actor, args[0])
			})
		},
	}
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a user to a task (defaults to yourself)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.Context, actor access.Actor) error {
				targetID := actor.ID
				if user != "" {
					target, err := a.ResolveActor(ctx, user)
					if err != nil {
						return err
					}
					targetID = target.ID
				}
				if err := a.Engine.Assign(ctx, actor, args[0], targetID); err != nil {
					return err
				}
				v, err := a.Engine.GetTask(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user to assign (id or email; admin only for others)")
	return cmd
}

func taskUnassignCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "unassign <id>",
		Short: "Remove a user from a task (defaults to yourself)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.Context, actor access.Actor) error {
				targetID := actor.ID
				if user != "" {
					target, err := a.ResolveActor(ctx, user)
					if err != nil {
						return err
					}
					targetID = target.ID
				}
				if err := a.Engine.Unassign(ctx, actor, args[0], targetID); err != nil {
					return err
				}
				v, err := a.Engine.GetTask(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user to unassign (id or email; admin only for others)")
	return cmd
}

func taskAssigneesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assignees <id>",
		Short: "List users assigned to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if _, err := a.Repo.GetTask(ctx, args[0]); err != nil {
					return err
				}
				users, err := a.Repo.ListAssignedUsers(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(users)
			})
		},
	}
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Issue and inspect session tokens"}
	tok.AddCommand(tokenIssueCmd())
	tok.AddCommand(tokenInspectCmd())
	return tok
}

func tokenIssueCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			codec, err := codecFrom(cfg)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				ref := user
				if ref == "" {
					ref = viper.GetString("actor")
				}
				actor, err := a.ResolveActor(ctx, ref)
				if err != nil {
					return err
				}
				u, err := a.Repo.GetUser(ctx, actor.ID)
				if err != nil {
					return err
				}
				tokStr, err := codec.Issue(engine.IdentityOf(u))
				if err != nil {
					return err
				}
				fmt.Println(tokStr)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user to issue for (id or email)")
	return cmd
}

func tokenInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Decode and validate a session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			codec, err := codecFrom(cfg)
			if err != nil {
				return err
			}
			id, err := codec.Decode(args[0])
			if err != nil {
				return err
			}
			return printJSON(id)
		},
	}
	return cmd
}

// --- apikey ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var user, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.Context, actor access.Actor) error {
				targetID := actor.ID
				if user != "" {
					target, err := a.ResolveActor(ctx, user)
					if err != nil {
						return err
					}
					targetID = target.ID
				}
				key, plaintext, err := a.Engine.CreateAPIKey(ctx, actor, targetID, name)
				if err != nil {
					return err
				}
				out := map[string]any{
					"id":         key.ID,
					"user_id":    key.UserID,
					"name":       key.Name,
					"created_at": key.CreatedAt,
					"key":        plaintext,
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owner of the key (id or email; admin only for others)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.Context, actor access.Actor) error {
				targetID := actor.ID
				if user != "" {
					target, err := a.ResolveActor(ctx, user)
					if err != nil {
						return err
					}
					targetID = target.ID
				}
				keys, err := a.Repo.ListAPIKeys(ctx, targetID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owner filter (id or email)")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withActor(ctx context.Context, fn func(context.Context, *app.Context, access.Actor) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		actor, err := a.ResolveActor(ctx, viper.GetString("actor"))
		if err != nil {
			return err
		}
		return fn(ctx, a, actor)
	})
}

func codecFrom(cfg *config.Config) (token.Codec, error) {
	ttl, err := cfg.TokenTTL()
	if err != nil {
		return token.Codec{}, err
	}
	codec := token.New(cfg.Auth.JWTSecret)
	codec.Issuer = cfg.Auth.Issuer
	codec.Audience = cfg.Auth.Audience
	codec.TTL = ttl
	return codec, nil
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
	if s == "" {
		return nil
	}
	return &s
}
