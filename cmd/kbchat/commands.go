package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/castoria/kbchat/internal/config"
	"github.com/castoria/kbchat/internal/devstub"
	"github.com/castoria/kbchat/internal/kbapi"
	"github.com/castoria/kbchat/internal/mcpapi"
	"github.com/castoria/kbchat/internal/poller"
)

const uploadConcurrency = 4

// --- kb ---

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage knowledge base collections",
}

var kbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge bases",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		kbs, err := client.ListKnowledgeBases(cmd.Context())
		if err != nil {
			return err
		}

		if len(kbs) == 0 {
			fmt.Println("No knowledge bases found.")
			return nil
		}
		for _, kb := range kbs {
			fmt.Printf("%s  %s  (%d documents)\n",
				colorize(colorCyan, kb.ID),
				colorize(colorBold, kb.Name),
				kb.DocumentCount,
			)
			if kb.Description != "" {
				fmt.Printf("    %s\n", kb.Description)
			}
		}
		return nil
	},
}

var kbCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		kb, err := client.CreateKnowledgeBase(cmd.Context(), args[0], description)
		if err != nil {
			return err
		}

		printSuccess("Created knowledge base %s (%s)", kb.Name, kb.ID)
		return nil
	},
}

var kbRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a knowledge base",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		name := args[1]
		kb, err := client.UpdateKnowledgeBase(cmd.Context(), args[0], kbapi.KnowledgeBaseUpdate{Name: &name})
		if err != nil {
			return err
		}

		printSuccess("Renamed to %s", kb.Name)
		return nil
	},
}

var kbDescribeCmd = &cobra.Command{
	Use:   "describe <id> <description>",
	Short: "Set a knowledge base description",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		description := args[1]
		_, err = client.UpdateKnowledgeBase(cmd.Context(), args[0], kbapi.KnowledgeBaseUpdate{Description: &description})
		if err != nil {
			return err
		}

		printSuccess("Description updated")
		return nil
	},
}

var kbDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a knowledge base and its documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes the knowledge base and ALL its documents. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if err := client.DeleteKnowledgeBase(cmd.Context(), args[0]); err != nil {
			return err
		}

		printSuccess("Deleted knowledge base %s", args[0])
		return nil
	},
}

func init() {
	kbCreateCmd.Flags().String("description", "", "description for the knowledge base")
	kbDeleteCmd.Flags().Bool("confirm", false, "confirm deletion")
	kbCmd.AddCommand(kbListCmd)
	kbCmd.AddCommand(kbCreateCmd)
	kbCmd.AddCommand(kbRenameCmd)
	kbCmd.AddCommand(kbDescribeCmd)
	kbCmd.AddCommand(kbDeleteCmd)
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage documents of a knowledge base",
}

func resolveKB(cmd *cobra.Command) (string, error) {
	kb, _ := cmd.Flags().GetString("kb")
	if kb != "" {
		return kb, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	if cfg.Chat.DefaultKnowledgeBase == "" {
		return "", fmt.Errorf("no knowledge base specified; pass --kb or set chat.default_kb")
	}
	return cfg.Chat.DefaultKnowledgeBase, nil
}

func statusLabel(s poller.Status) string {
	switch s {
	case poller.StatusCompleted:
		return colorize(colorGreen, string(s))
	case poller.StatusFailed:
		return colorize(colorRed, string(s))
	default:
		return colorize(colorYellow, string(s))
	}
}

func printDocuments(docs []poller.Resource) {
	for _, d := range docs {
		line := fmt.Sprintf("%s  %-12s  %s", colorize(colorCyan, d.ID), statusLabel(d.Status), d.Name)
		if d.ErrorDetail != "" {
			line += "  (" + d.ErrorDetail + ")"
		}
		fmt.Println(line)
	}
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents and their ingestion status",
	RunE: func(cmd *cobra.Command, args []string) error {
		kbID, err := resolveKB(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		docs, err := client.ListDocuments(cmd.Context(), kbID)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		printDocuments(docs)
		return nil
	},
}

var docsUploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload documents for ingestion",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kbID, err := resolveKB(cmd)
		if err != nil {
			return err
		}
		watch, _ := cmd.Flags().GetBool("watch")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(cmd.Context())
		g.SetLimit(uploadConcurrency)
		for _, path := range args {
			g.Go(func() error {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("opening %s: %w", path, err)
				}
				defer f.Close()

				doc, err := client.UploadDocument(gctx, kbID, filepath.Base(path), f)
				if err != nil {
					return fmt.Errorf("uploading %s: %w", path, err)
				}
				printSuccess("Uploaded %s as %s (%s)", doc.Name, doc.ID, doc.Status)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if watch {
			return watchDocuments(cmd.Context(), client, kbID)
		}
		return nil
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <doc-id>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kbID, err := resolveKB(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if err := client.DeleteDocument(cmd.Context(), kbID, args[0]); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

var docsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll document statuses until ingestion settles",
	RunE: func(cmd *cobra.Command, args []string) error {
		kbID, err := resolveKB(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return watchDocuments(cmd.Context(), client, kbID)
	},
}

// watchDocuments refreshes the document list and keeps polling while any
// document is still being processed.
func watchDocuments(ctx context.Context, client *kbapi.Client, kbID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	p := poller.New(kbapi.DocumentLister{Client: client, KnowledgeBaseID: kbID}, cfg.Poll.Interval())
	defer p.Close()
	p.OnUpdate = func(docs []poller.Resource) {
		printDocuments(docs)
		fmt.Println()
	}

	if _, err := p.Refresh(ctx); err != nil {
		return err
	}
	if !p.Armed() {
		printStep("All documents settled")
		return nil
	}

	printStep("Watching (poll every %s, Ctrl-C to stop)", cfg.Poll.Interval())
	for p.Armed() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	printStep("All documents settled")
	return nil
}

func init() {
	docsCmd.PersistentFlags().String("kb", "", "knowledge base id (default: chat.default_kb from config)")
	docsUploadCmd.Flags().Bool("watch", false, "poll statuses after uploading")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsUploadCmd)
	docsCmd.AddCommand(docsDeleteCmd)
	docsCmd.AddCommand(docsWatchCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- devstub ---

var devstubCmd = &cobra.Command{
	Use:   "devstub",
	Short: "Run a local stand-in knowledge base service",
	Long: `Run a local stand-in knowledge base service.

The stub answers queries with canned responses, walks uploaded documents
through the ingestion lifecycle on a timer, and asks a scripted clarification
when a query contains " or ". It authenticates with the same bearer token the
client uses (KBCHAT_API_TOKEN).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Server.APIToken == "" {
			return fmt.Errorf("no API token configured; set the KBCHAT_API_TOKEN environment variable")
		}

		store, err := devstub.OpenStore(cfg.Devstub.DataDir)
		if err != nil {
			return fmt.Errorf("opening stub storage: %w", err)
		}
		defer store.Close()

		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Devstub.Port)
		return devstub.NewServer(store, cfg.Server.APIToken).Run(cmd.Context(), addr)
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the knowledge base over MCP (stdio transport)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		mcpSrv := mcpapi.NewServer(mcpapi.Deps{Backend: client})
		stdioSrv := server.NewStdioServer(mcpSrv)
		if err := stdioSrv.Listen(cmd.Context(), os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
