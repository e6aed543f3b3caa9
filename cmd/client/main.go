// cmd/client is the CLI entry-point built with Cobra.
//
// Usage:
//
//	titlecli insert tt123 movie "Some Film" --year 2020 --runtime 90 --genres Drama
//	titlecli update tt123 --set runtime=95              --server http://localhost:8080
//	titlecli delete tt123
//	titlecli get tt123
//	titlecli status
//	titlecli recover fragA
//	titlecli test reads --isolation "REPEATABLE READ"
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"distributed-titledb/internal/client"
	"distributed-titledb/internal/coordinator"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "titlecli",
		Short: "CLI client for the distributed title database coordinator",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "Coordinator server address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second,
		"HTTP request timeout")

	root.AddCommand(insertCmd(), updateCmd(), deleteCmd(), getCmd(),
		listCmd(), statusCmd(), recoverCmd(), testCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── insert ───────────────────────────────────────────────────────────────────

func insertCmd() *cobra.Command {
	var year, runtime int
	var genres string

	cmd := &cobra.Command{
		Use:   "insert <id> <kind> <title>",
		Short: "Insert a title",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			t := coordinator.Title{ID: args[0], Kind: args[1], Title: args[2], Genres: genres}
			if cmd.Flags().Changed("year") {
				t.Year = &year
			}
			if cmd.Flags().Changed("runtime") {
				t.Runtime = &runtime
			}
			res, err := c.InsertTitle(context.Background(), t)
			if err != nil {
				return err
			}
			prettyPrint(res)
			return nil
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "Release year")
	cmd.Flags().IntVar(&runtime, "runtime", 0, "Runtime in minutes")
	cmd.Flags().StringVar(&genres, "genres", "", "Comma-separated genres")
	return cmd
}

// ─── update ───────────────────────────────────────────────────────────────────

func updateCmd() *cobra.Command {
	var sets []string
	var isolation string

	cmd := &cobra.Command{
		Use:   "update <id> --set field=value [--set ...]",
		Short: "Update fields of a title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := make(map[string]any, len(sets))
			for _, s := range sets {
				parts := strings.SplitN(s, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --set %q: expected field=value", s)
				}
				if n, err := strconv.Atoi(parts[1]); err == nil {
					fields[parts[0]] = n
				} else {
					fields[parts[0]] = parts[1]
				}
			}

			c := client.New(serverAddr, timeout)
			res, err := c.UpdateTitle(context.Background(), args[0], fields, isolation)
			if err != nil {
				return err
			}
			prettyPrint(res)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Field assignment, repeatable")
	cmd.Flags().StringVar(&isolation, "isolation", "", "Isolation level for the write")
	return cmd
}

// ─── delete / get / list ──────────────────────────────────────────────────────

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			res, err := c.DeleteTitle(context.Background(), args[0])
			if err != nil {
				return err
			}
			prettyPrint(res)
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			row, err := c.GetTitle(context.Background(), args[0])
			if err == client.ErrNotFound {
				fmt.Printf("title %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(row)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var page, limit int
	var kind string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List titles from central",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			res, err := c.ListTitles(context.Background(), page, limit, kind)
			if err != nil {
				return err
			}
			prettyPrint(res)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind")
	return cmd
}

// ─── status / recover ─────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node health and the replication backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			ctx := context.Background()

			health, err := c.NodesHealth(ctx)
			if err != nil {
				return err
			}
			summary, err := c.RecoveryStatus(ctx)
			if err != nil {
				return err
			}
			prettyPrint(map[string]any{"nodes": health, "replication": summary})
			return nil
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <node>",
		Short: "Replay all pending replications targeting a returning node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			res, err := c.RecoverNode(context.Background(), args[0])
			if err != nil {
				return err
			}
			prettyPrint(res)
			return nil
		},
	}
}

// ─── test ─────────────────────────────────────────────────────────────────────

func testCmd() *cobra.Command {
	var id, isolation string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run concurrency scenarios",
	}
	cmd.PersistentFlags().StringVar(&id, "id", "", "Record id (auto-selected if empty)")
	cmd.PersistentFlags().StringVar(&isolation, "isolation", "", "Isolation level")

	run := func(name string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			body := map[string]any{}
			if id != "" {
				body["id"] = id
			}
			if isolation != "" {
				body["isolation"] = isolation
			}
			report, err := c.RunTest(context.Background(), name, body)
			if err != nil {
				return err
			}
			prettyPrint(report)
			return nil
		}
	}

	cmd.AddCommand(
		&cobra.Command{Use: "reads", Short: "Concurrent readers scenario", RunE: run("concurrent-reads")},
		&cobra.Command{Use: "read-write", Short: "Readers racing writers scenario", RunE: run("read-write-conflict")},
		&cobra.Command{Use: "writes", Short: "Concurrent writers scenario", RunE: run("concurrent-writes")},
	)
	return cmd
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
