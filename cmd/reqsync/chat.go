package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reqdesk/reqsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// history
	historyLimit  int
	historyOffset int
	historyJSON   bool

	// send
	sendFile string
	sendMime string
	sendJSON bool

	// watch
	watchNoRead  bool
	watchHistory int

	// unread
	unreadJSON bool
)

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Show a page of conversation history",
	Long:  "Show conversation history, oldest first. Use 'general' for the general channel.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := reqsync.ParseConversationID(args[0])
		store, cfg, err := getStore()
		if err != nil {
			return err
		}
		limit := historyLimit
		if limit <= 0 {
			limit = pageSize(cfg)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ms := reqsync.NewMessageStore(conv)
		if _, err := ms.Load(ctx, store, historyOffset, limit); err != nil {
			return describeError(err)
		}
		messages := ms.Messages()

		if historyJSON {
			return printJSON(messages)
		}
		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range messages {
			fmt.Println(formatMessage(m))
		}
		if ms.HasMore() {
			fmt.Printf("-- more: reqsync history %s --offset %d\n", conv.PathSegment(), historyOffset+len(messages))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation> [message]",
	Short: "Send a message, optionally with a file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := reqsync.ParseConversationID(args[0])
		content := ""
		if len(args) == 2 {
			content = args[1]
		}
		store, _, err := getStore()
		if err != nil {
			return err
		}

		var file *reqsync.File
		if sendFile != "" {
			file, err = reqsync.OpenFile(sendFile)
			if err != nil {
				return err
			}
			if c, ok := file.Reader.(io.Closer); ok {
				defer c.Close()
			}
			if sendMime != "" {
				file.MimeType = sendMime
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		hooks := reqsync.SendHooks{}
		if file != nil && !sendJSON {
			hooks.OnProgress = func(pct int, status string) {
				fmt.Fprintf(os.Stderr, "\r%s %s: %3d%%", status, file.Name, pct)
				if pct == 100 {
					fmt.Fprintln(os.Stderr)
				}
			}
		}
		sender := reqsync.NewSendCoordinator(reqsync.NewMessageStore(conv), store, store,
			reqsync.WithUploader(store),
			reqsync.WithSendHooks(hooks),
			reqsync.WithSendLogger(cliLogger()),
		)
		res, err := sender.Send(ctx, content, file)
		if err != nil {
			var rerr *reqsync.Error
			if errors.As(err, &rerr) && rerr.Draft != nil {
				fmt.Fprintf(os.Stderr, "Not sent; your draft was: %q\n", rerr.Draft.Content)
			}
			return describeError(err)
		}

		if sendJSON {
			return printJSON(res)
		}
		fmt.Printf("Message sent to %s\n", conv)
		fmt.Printf("  Message ID: %s\n", res.Message.ID)
		fmt.Printf("  Content:    %s\n", res.Message.Content)
		if res.Attachment != nil {
			fmt.Printf("  File:       %s (%d bytes)\n", res.Attachment.Name, res.Attachment.Size)
			fmt.Printf("  URL:        %s\n", res.Attachment.URL)
		}
		if res.Warning != nil {
			fmt.Fprintf(os.Stderr, "Warning: message sent but the file was not attached: %v\n", res.Warning)
		}
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <conversation>",
	Short: "Follow a conversation live",
	Long:  "Print recent history, then new messages as they arrive. Messages are marked read while watching unless --no-read is set.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := reqsync.ParseConversationID(args[0])
		store, cfg, err := getStore()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		size := watchHistory
		if size <= 0 {
			size = pageSize(cfg)
		}
		opts := []reqsync.HubOption{
			reqsync.WithAuthenticator(store),
			reqsync.WithAttachmentUploader(store),
			reqsync.WithPageSize(size),
			reqsync.WithLogger(cliLogger()),
		}
		hub := reqsync.NewHub(store, opts...)
		defer hub.Close()

		c, err := hub.Open(ctx, conv)
		if err != nil {
			return describeError(err)
		}
		defer hub.Release(conv)

		for _, m := range c.Messages() {
			fmt.Println(formatMessage(m))
		}
		c.OnMessage(func(m reqsync.Message) {
			if !m.Provisional {
				fmt.Println(formatMessage(m))
			}
		})
		c.OnStatus(func(st reqsync.ConnStatus) {
			switch st.State {
			case reqsync.StateReconnecting:
				fmt.Fprintf(os.Stderr, "-- connection lost, retrying in %s (attempt %d)\n", st.Delay.Round(time.Millisecond), st.Attempt)
			case reqsync.StateConnected:
				fmt.Fprintln(os.Stderr, "-- connected")
			case reqsync.StateError:
				fmt.Fprintf(os.Stderr, "-- disconnected: %v\n", st.Err)
			}
		})
		hub.Tracker().OnChange(func(id reqsync.ConversationID, count int) {
			if id != conv && count > 0 {
				fmt.Fprintf(os.Stderr, "-- %d unread in %s\n", count, id)
			}
		})

		if !watchNoRead {
			if err := hub.SetActive(ctx, conv); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not mark read: %v\n", err)
			}
		}

		fmt.Fprintf(os.Stderr, "-- watching %s, Ctrl-C to stop\n", conv)
		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// unread
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread counts per conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := getStore()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		actor, err := store.Actor(ctx)
		if err != nil {
			return describeError(err)
		}
		tracker := reqsync.NewNotificationTracker(nil)
		if err := tracker.Reconcile(ctx, store, actor.ID); err != nil {
			return describeError(err)
		}
		rows := tracker.Snapshot()

		if unreadJSON {
			return printJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("No unread messages.")
			return nil
		}
		for _, r := range rows {
			fmt.Printf("  %-24s %d\n", r.ConversationID, r.Count)
		}
		fmt.Printf("Total: %d\n", tracker.Total())
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := reqsync.ParseConversationID(args[0])
		store, _, err := getStore()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		actor, err := store.Actor(ctx)
		if err != nil {
			return describeError(err)
		}
		if err := store.MarkRead(ctx, actor.ID, conv); err != nil {
			return describeError(err)
		}
		fmt.Printf("Marked %s as read\n", conv)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum number of messages to return")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "Skip this many newer messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Attach a file")
	sendCmd.Flags().StringVar(&sendMime, "mime", "", "Override MIME type")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	watchCmd.Flags().BoolVar(&watchNoRead, "no-read", false, "Do not mark messages read while watching")
	watchCmd.Flags().IntVarP(&watchHistory, "limit", "n", 0, "Messages of history to show first")

	unreadCmd.Flags().BoolVar(&unreadJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(readCmd)
}
