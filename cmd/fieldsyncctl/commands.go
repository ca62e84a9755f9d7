package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/models"

	"github.com/spf13/cobra"
)

const requestTimeout = 2 * time.Minute

type options struct {
	addr   string
	apiKey string
	extra  string
	asJSON bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "fieldsyncctl",
		Short:        "Inspect and operate a running fieldsync agent",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr("FIELDSYNC_ADDR", "http://localhost:8080"), "agent local API address")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("FIELDSYNC_API_KEY"), "local API key")
	root.PersistentFlags().StringVar(&opts.extra, "api-extra", os.Getenv("FIELDSYNC_API_EXTRA"), "local API extra secret")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		statusCmd(opts),
		syncCmd(opts),
		conflictsCmd(opts),
		deadLettersCmd(opts),
		exportCmd(opts),
		authCmd(opts),
	)
	return root
}

func (o *options) client() *api.Client {
	return api.NewClient(o.addr, o.apiKey, o.extra)
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue depth and last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			st, err := opts.client().Status(ctx)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd, st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "online:       %t\n", st.Online)
			fmt.Fprintf(out, "phase:        %s\n", st.Phase)
			fmt.Fprintf(out, "pending:      %d\n", st.Pending)
			fmt.Fprintf(out, "dead letters: %d\n", st.DeadLetter)
			fmt.Fprintf(out, "conflicts:    %d\n", st.Conflicts)
			fmt.Fprintf(out, "last sync:    %s\n", formatTime(st.LastSyncAt))
			fmt.Fprintf(out, "next retry:   %s\n", formatTime(st.NextRetry))
			if st.Paused {
				fmt.Fprintln(out, "paused:       waiting for credentials")
			}
			if st.LastError != "" {
				fmt.Fprintf(out, "last error:   %s\n", st.LastError)
			}
			return nil
		},
	}
}

func syncCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a sync cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := opts.client().Sync(ctx)
			if err != nil {
				return err
			}
			if res == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "a cycle is running; another one will follow it")
				return nil
			}
			return printJSON(cmd, res)
		},
	}
}

func conflictsCmd(opts *options) *cobra.Command {
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting resolution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			conflicts, err := opts.client().Conflicts(ctx, all)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd, conflicts)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENTITY\tFIELDS\tREMOTE VERSION\tDETECTED\tCHOICE")
			for _, c := range conflicts {
				fmt.Fprintf(w, "%s\t%s/%s\t%v\t%d\t%s\t%s\n",
					c.ID, c.EntityType, c.EntityID, c.Fields, c.RemoteVersion,
					c.DetectedAt.Format(time.RFC3339), c.Choice)
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include resolved conflicts")

	var payloadFile string
	resolve := &cobra.Command{
		Use:   "resolve <conflict-id> <accept_local|accept_remote|merged>",
		Short: "Resolve a conflict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := models.Resolution{Choice: models.ResolutionChoice(args[1])}
			if !res.Choice.Valid() {
				return fmt.Errorf("unknown resolution %q", args[1])
			}
			if res.Choice == models.ResolveMerged {
				if payloadFile == "" {
					return fmt.Errorf("--payload is required for merged")
				}
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				res.Payload = data
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			c, err := opts.client().ResolveConflict(ctx, args[0], res)
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}
	resolve.Flags().StringVar(&payloadFile, "payload", "", "JSON file with the merged payload")

	cmd := &cobra.Command{Use: "conflicts", Short: "Inspect and resolve conflicts"}
	cmd.AddCommand(list, resolve)
	return cmd
}

func deadLettersCmd(opts *options) *cobra.Command {
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered queue items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			items, err := opts.client().DeadLetters(ctx)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd, items)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENTITY\tOP\tRETRIES\tLAST ERROR")
			for _, it := range items {
				fmt.Fprintf(w, "%d\t%s/%s\t%s\t%d\t%s\n",
					it.ID, it.EntityType, it.EntityID, it.Operation, it.RetryCount, deref(it.LastError))
			}
			return w.Flush()
		},
	}

	retry := &cobra.Command{
		Use:   "retry <item-id>",
		Short: "Return a dead letter to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id: %w", err)
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := opts.client().RetryDeadLetter(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "item %d requeued\n", id)
			return nil
		},
	}

	discard := &cobra.Command{
		Use:   "discard <item-id>",
		Short: "Drop a dead letter for good",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id: %w", err)
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := opts.client().DiscardDeadLetter(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "item %d discarded\n", id)
			return nil
		},
	}

	cmd := &cobra.Command{Use: "deadletters", Short: "Inspect and act on dead letters"}
	cmd.AddCommand(list, retry, discard)
	return cmd
}

func exportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write an xlsx report of dead letters and conflicts on the agent host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			path, err := opts.client().Export(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func authCmd(opts *options) *cobra.Command {
	var token string
	resume := &cobra.Command{
		Use:   "resume",
		Short: "Resume syncing after the remote rejected credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := opts.client().ResumeAuth(ctx, token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sync resumed")
			return nil
		},
	}
	resume.Flags().StringVar(&token, "token", os.Getenv("FIELDSYNC_REMOTE_TOKEN"), "new bearer token for the remote")

	cmd := &cobra.Command{Use: "auth", Short: "Remote credential handling"}
	cmd.AddCommand(resume)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
