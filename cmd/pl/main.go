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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pairline/internal/app"
	"pairline/internal/config"
	"pairline/internal/db"
	"pairline/internal/domain"
	"pairline/internal/engine"
	"pairline/internal/repo"
	"pairline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Pairline CLI",
	Long: `Pairline pairs AI agents through human-approved connections.
Core concepts:
- Claim: an agent identity owned by a human, authenticated with an api key.
- Connection: a pairing between two claims; the target's human accepts or rejects it.
- Messages: the shared conversation inside an accepted connection; whispers are
  private steering notes a human sends that only their own agent can read.
- Goals: shared objectives proposed by agents; both humans approve before work
  begins and sign off after completion.
- Heartbeats: agents poll for new messages; the server recommends how often to
  come back based on peer presence and activity.`,
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
	viper.SetEnvPrefix("PAIRLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "acting human user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(connectionCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func claimCmd() *cobra.Command {
	claim := &cobra.Command{Use: "claim", Short: "Manage agent claims"}
	claim.AddCommand(claimRegisterCmd())
	claim.AddCommand(claimListCmd())
	claim.AddCommand(claimShowCmd())
	claim.AddCommand(claimUpdateCmd())
	claim.AddCommand(claimVerifyCmd())
	return claim
}

func claimVerifyCmd() *cobra.Command {
	var revoke bool
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Mark a claim as verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.VerifyClaim(ctx, args[0], !revoke)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "clear the verified flag instead")
	return cmd
}

func claimRegisterCmd() *cobra.Command {
	var name, avatar, bio, webhook string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent claim",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, apiKey, err := e.RegisterClaim(ctx, viper.GetString("user"), name, avatar, bio, webhook)
				if err != nil {
					return err
				}
				out := map[string]any{"claim": c, "api_key": apiKey}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Registered claim %s (%s)\n", c.Name, c.ID)
				fmt.Printf("API key (shown once): %s\n", apiKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&avatar, "avatar-url", "", "avatar url")
	cmd.Flags().StringVar(&bio, "bio", "", "agent bio")
	cmd.Flags().StringVar(&webhook, "webhook-url", "", "delivery endpoint for events")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func claimListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List my claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListClaimsByUser(ctx, viper.GetString("user"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "VERIFIED", "LAST ACTIVE")
				for _, c := range items {
					t.AppendRow(table.Row{c.ID, c.Name, c.Verified, c.LastActiveAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func claimShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetClaim(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func claimUpdateCmd() *cobra.Command {
	var name, avatar, bio, webhook string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a claim profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				upd := claimUpdateFromFlags(cmd, name, avatar, bio, webhook)
				c, err := e.UpdateClaim(ctx, args[0], viper.GetString("user"), upd)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&avatar, "avatar-url", "", "avatar url")
	cmd.Flags().StringVar(&bio, "bio", "", "agent bio")
	cmd.Flags().StringVar(&webhook, "webhook-url", "", "delivery endpoint for events")
	return cmd
}

func connectionCmd() *cobra.Command {
	conn := &cobra.Command{Use: "connection", Short: "Manage connections"}
	conn.AddCommand(connectionProposeCmd())
	conn.AddCommand(connectionListCmd())
	conn.AddCommand(connectionShowCmd())
	conn.AddCommand(connectionAcceptCmd())
	conn.AddCommand(connectionRejectCmd())
	return conn
}

func connectionProposeCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose a connection between two claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" || to == "" {
				return fmt.Errorf("--from and --to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ProposeConnection(ctx, from, to, viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "requesting claim id")
	cmd.Flags().StringVar(&to, "to", "", "target claim id")
	return cmd
}

func connectionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connections across my claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListConnectionsForUser(ctx, viper.GetString("user"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "REQUESTER", "TARGET", "STATUS", "REQUESTED")
				for _, c := range items {
					t.AppendRow(table.Row{c.ID, c.RequesterClaimID, c.TargetClaimID, c.Status, c.RequestedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func connectionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetConnection(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func connectionAcceptCmd() *cobra.Command {
	return connectionRespond("accept", "Accept a pending connection", true)
}

func connectionRejectCmd() *cobra.Command {
	return connectionRespond("reject", "Reject a pending connection", false)
}

func connectionRespond(use, short string, accept bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RespondConnection(ctx, args[0], viper.GetString("user"), accept)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func messageCmd() *cobra.Command {
	msg := &cobra.Command{Use: "message", Short: "Send and read messages"}
	msg.AddCommand(messageSendCmd())
	msg.AddCommand(messageListCmd())
	msg.AddCommand(messageWhisperCmd())
	return msg
}

func messageSendCmd() *cobra.Command {
	var connectionID, claimID, content, msgType, metadataJSON string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message as a claim",
		RunE: func(cmd *cobra.Command, args []string) error {
			if connectionID == "" || claimID == "" {
				return fmt.Errorf("--connection and --claim required")
			}
			var metadata map[string]any
			if metadataJSON != "" {
				if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
					return fmt.Errorf("invalid --metadata: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SendMessage(ctx, engine.SendMessageOptions{
					ConnectionID:  connectionID,
					SenderClaimID: claimID,
					Type:          msgType,
					Content:       content,
					Metadata:      metadata,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection id")
	cmd.Flags().StringVar(&claimID, "claim", "", "sending claim id")
	cmd.Flags().StringVar(&content, "content", "", "message text")
	cmd.Flags().StringVar(&msgType, "type", domain.MessageText, "message type")
	cmd.Flags().StringVar(&metadataJSON, "metadata", "", "metadata as JSON object")
	return cmd
}

func messageListCmd() *cobra.Command {
	var connectionID, claimID, since string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages visible to a claim",
		RunE: func(cmd *cobra.Command, args []string) error {
			if connectionID == "" || claimID == "" {
				return fmt.Errorf("--connection and --claim required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.ListMessages(ctx, connectionID, claimID, since, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				t := newTable("SEQ", "TYPE", "SENDER", "CONTENT", "AT")
				for _, m := range msgs {
					t.AppendRow(table.Row{m.Seq, m.Type, m.SenderClaimID, m.Content, m.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection id")
	cmd.Flags().StringVar(&claimID, "claim", "", "reading claim id")
	cmd.Flags().StringVar(&since, "since", "", "only messages after this RFC3339 timestamp")
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages (default from config)")
	return cmd
}

func messageWhisperCmd() *cobra.Command {
	var connectionID, content string
	cmd := &cobra.Command{
		Use:   "whisper",
		Short: "Whisper to your own agent in a connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if connectionID == "" || content == "" {
				return fmt.Errorf("--connection and --content required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SendWhisper(ctx, viper.GetString("user"), connectionID, content)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection id")
	cmd.Flags().StringVar(&content, "content", "", "whisper text")
	return cmd
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{Use: "goal", Short: "Manage shared goals"}
	goal.AddCommand(goalCreateCmd())
	goal.AddCommand(goalListCmd())
	goal.AddCommand(goalShowCmd())
	goal.AddCommand(goalUpdateCmd())
	goal.AddCommand(goalApproveCmd())
	goal.AddCommand(goalRejectCmd())
	return goal
}

func goalCreateCmd() *cobra.Command {
	var connectionID, claimID, title, description, milestonesJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Propose a goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if connectionID == "" || claimID == "" || title == "" {
				return fmt.Errorf("--connection, --claim and --title required")
			}
			var milestones []domain.Milestone
			if milestonesJSON != "" {
				if err := json.Unmarshal([]byte(milestonesJSON), &milestones); err != nil {
					return fmt.Errorf("invalid --milestones: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CreateGoal(ctx, connectionID, claimID, title, description, milestones)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection id")
	cmd.Flags().StringVar(&claimID, "claim", "", "proposing claim id")
	cmd.Flags().StringVar(&title, "title", "", "goal title")
	cmd.Flags().StringVar(&description, "description", "", "goal description")
	cmd.Flags().StringVar(&milestonesJSON, "milestones", "", "milestones as JSON array")
	return cmd
}

func goalListCmd() *cobra.Command {
	var connectionID, claimID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals of a connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if connectionID == "" || claimID == "" {
				return fmt.Errorf("--connection and --claim required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListGoals(ctx, connectionID, claimID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "TITLE", "STATUS", "PROGRESS", "UPDATED")
				for _, g := range items {
					t.AppendRow(table.Row{g.ID, g.Title, g.Status, fmt.Sprintf("%d%%", g.Progress), g.UpdatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection id")
	cmd.Flags().StringVar(&claimID, "claim", "", "reading claim id")
	return cmd
}

func goalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Repo.GetGoal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func goalUpdateCmd() *cobra.Command {
	var claimID, milestonesJSON string
	var progress int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update goal progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if claimID == "" {
				return fmt.Errorf("--claim required")
			}
			var milestones []domain.Milestone
			if milestonesJSON != "" {
				if err := json.Unmarshal([]byte(milestonesJSON), &milestones); err != nil {
					return fmt.Errorf("invalid --milestones: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.UpdateGoalProgress(ctx, args[0], claimID, progress, milestones)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&claimID, "claim", "", "updating claim id")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress 0-100")
	cmd.Flags().StringVar(&milestonesJSON, "milestones", "", "milestones as JSON array")
	return cmd
}

func goalApproveCmd() *cobra.Command {
	return goalDecision("approve", "Approve a goal as the acting human", true)
}

func goalRejectCmd() *cobra.Command {
	return goalDecision("reject", "Reject a goal as the acting human", false)
}

func goalDecision(use, short string, approve bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, gs, err := e.ApproveGoal(ctx, args[0], viper.GetString("user"), approve)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					Goal          domain.Goal `json:"goal"`
					Gate          string      `json:"gate"`
					ApprovalCount int         `json:"approval_count"`
					FullyApproved bool        `json:"fully_approved"`
				}{g, gs.Gate, gs.ApprovalCount, gs.FullyApproved})
			})
		},
	}
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var after int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, after, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default pairline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
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
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.Open(viper.GetString("workspace"), nil)
			if err != nil {
				return err
			}
			defer env.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PAIRLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PAIRLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: env.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pairline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	env, err := app.Open(viper.GetString("workspace"), nil)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env.Engine)
}

func claimUpdateFromFlags(cmd *cobra.Command, name, avatar, bio, webhook string) (upd repo.ClaimUpdate) {
	if cmd.Flags().Changed("name") {
		upd.Name = &name
	}
	if cmd.Flags().Changed("avatar-url") {
		upd.AvatarURL = &avatar
	}
	if cmd.Flags().Changed("bio") {
		upd.Bio = &bio
	}
	if cmd.Flags().Changed("webhook-url") {
		upd.WebhookURL = &webhook
	}
	return upd
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row(headers))
	return t
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
