package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/deemkeen/stegofed/web"
	"github.com/spf13/cobra"
)

const (
	COLOR_GREY      = "241"
	COLOR_MAGENTA   = "170"
	COLOR_LIGHTBLUE = "69"
	COLOR_RED       = "196"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(COLOR_MAGENTA))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_GREY)).Width(14)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_LIGHTBLUE))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(COLOR_RED))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color(COLOR_MAGENTA)).Padding(0, 1)
)

var verbose bool

// app holds what every command needs once the configuration is loaded.
type app struct {
	conf   *util.AppConfig
	logger *log.Logger
	store  *db.DB
	engine *activitypub.Engine
}

func openApp() (*app, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, err
	}
	level := conf.Conf.LogLevel
	if verbose {
		level = "debug"
	}
	logger := util.NewLogger(level)
	logger.Debug("Configuration", "conf", util.PrettyPrint(conf))

	store, err := db.Open(util.ResolveFilePath(conf.Conf.Database))
	if err != nil {
		return nil, err
	}
	engine := activitypub.NewEngine(conf, store, store, activitypub.Options{Logger: logger})
	return &app{conf: conf, logger: logger, store: store, engine: engine}, nil
}

// close waits for outstanding deliveries; anything still failing stays queued
// for the server's delivery worker.
func (a *app) close() {
	a.engine.Wait()
	a.engine.Close()
	a.store.Close()
}

// withApp runs f with a loaded app and a context cancelled on SIGINT/SIGTERM.
func withApp(f func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return f(ctx, a, args)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           util.Name,
		Short:         "ActivityPub federation server",
		Version:       util.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		serveCmd(),
		useraddCmd(),
		resolveCmd(),
		crawlCmd(),
		importOutboxCmd(),
		publishCmd(),
		followCmd(),
		unfollowCmd(),
		blockCmd(),
		unblockCmd(),
		statsCmd(),
	)
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation HTTP server and delivery worker",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			a.logger.Info("Starting", "version", util.GetNameAndVersion(), "domain", a.conf.Conf.SslDomain)
			if _, err := a.store.EnsureAccount(ctx, a.conf.Conf.Federation.SystemUser); err != nil {
				return fmt.Errorf("failed to create system account: %w", err)
			}
			if a.conf.Conf.WithAp {
				a.engine.StartDeliveryWorker(ctx)
			}
			return web.NewServer(a.conf, a.engine, a.store, a.logger).Run(ctx)
		}),
	}
}

func useraddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "useradd <username>",
		Short: "Create a local account with a fresh key pair",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			keyPair, err := util.GeneratePemKeypair()
			if err != nil {
				return err
			}
			acc, err := a.store.CreateAccount(ctx, args[0], keyPair)
			if err != nil {
				return fmt.Errorf("failed to create account %s: %w", args[0], err)
			}
			fmt.Println(titleStyle.Render("Created " + acc.Username))
			printField("actor", a.conf.ActorURL(acc.Username))
			printField("handle", fmt.Sprintf("@%s@%s", acc.Username, a.conf.Conf.SslDomain))
			return nil
		}),
	}
}

func resolveCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "resolve <handle|actor-url>",
		Short: "Look up an actor through webfinger or its URL",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			as := a.engine.SystemIdentity(ctx)
			var actor *activitypub.Actor
			if refresh {
				actorURL := args[0]
				if !strings.HasPrefix(actorURL, "http://") && !strings.HasPrefix(actorURL, "https://") {
					href, err := a.engine.Directory.Discover(ctx, actorURL)
					if err != nil {
						return err
					}
					actorURL = href
				}
				actor = a.engine.Directory.Refresh(ctx, actorURL, as)
			} else {
				actor = a.engine.Directory.Resolve(ctx, args[0], as)
			}
			if actor == nil {
				return fmt.Errorf("could not resolve %s", args[0])
			}
			if _, err := a.engine.ImportActor(ctx, actor); err != nil {
				a.logger.Warn("Failed to store actor", "actor", actor.ID, "err", err)
			}
			printActor(actor)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache")
	return cmd
}

func crawlCmd() *cobra.Command {
	var items, pages int
	cmd := &cobra.Command{
		Use:   "crawl <collection-url>",
		Short: "List the items of a remote collection",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			fmt.Println(titleStyle.Render(args[0]))
			n, err := a.engine.Crawler.IterateURL(ctx, args[0], items, pages, a.engine.SystemIdentity(ctx), func(item activitypub.ObjectRef) bool {
				label := item.Type()
				if label == "" {
					label = "link"
				}
				fmt.Println(labelStyle.Render(label) + valueStyle.Render(item.ID()))
				return true
			})
			if err != nil {
				return err
			}
			fmt.Println(labelStyle.Render("total") + valueStyle.Render(fmt.Sprint(n)))
			return nil
		}),
	}
	cmd.Flags().IntVar(&items, "limit", 0, "maximum number of items (0 uses the configured limit)")
	cmd.Flags().IntVar(&pages, "pages", 0, "maximum number of pages (0 uses the configured limit)")
	return cmd
}

func importOutboxCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "import-outbox <handle|actor-url>",
		Short: "Store the notes of a remote actor's outbox",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			n, err := a.engine.ImportOutbox(ctx, args[0], limit)
			if err != nil {
				return err
			}
			printField("imported", fmt.Sprintf("%d notes", n))
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of outbox items (0 uses the configured limit)")
	return cmd
}

func publishCmd() *cobra.Command {
	var opts activitypub.PublishOptions
	cmd := &cobra.Command{
		Use:   "publish <username> <message>",
		Short: "Publish a note and deliver it to its audience",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			switch opts.Visibility {
			case domain.VisibilityPublic, domain.VisibilityUnlisted, domain.VisibilityFollowers, domain.VisibilityDirect:
			default:
				return fmt.Errorf("unknown visibility %q", opts.Visibility)
			}
			note, err := a.engine.Publish(ctx, args[0], strings.Join(args[1:], " "), opts)
			if err != nil {
				return err
			}
			printField("note", a.conf.NoteURL(note.Id.String()))
			return nil
		}),
	}
	cmd.Flags().StringVar(&opts.Visibility, "visibility", domain.VisibilityPublic, "public, unlisted, followers or direct")
	cmd.Flags().StringVar(&opts.InReplyTo, "reply-to", "", "URL of the note being answered")
	cmd.Flags().StringSliceVar(&opts.Mentions, "mention", nil, "handle or actor URL to mention")
	cmd.Flags().StringVar(&opts.ContentWarning, "cw", "", "content warning")
	return cmd
}

func followCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "follow <username> <handle|actor-url>",
		Short: "Follow an actor",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			rel, err := a.engine.Follow(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			state := "pending"
			if rel.Accepted {
				state = "accepted"
			}
			printField("follow", state)
			return nil
		}),
	}
}

func unfollowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unfollow <username> <handle|actor-url>",
		Short: "Stop following an actor",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return a.engine.Unfollow(ctx, args[0], args[1])
		}),
	}
}

func blockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block <username> <handle|actor-url>",
		Short: "Block an actor and drop follows in both directions",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			_, err := a.engine.Block(ctx, args[0], args[1])
			return err
		}),
	}
}

func unblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <username> <handle|actor-url>",
		Short: "Lift a block",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return a.engine.Unblock(ctx, args[0], args[1])
		}),
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show federation counters of the local store",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			s, err := a.engine.Stats(ctx)
			if err != nil {
				return err
			}
			rows := []string{
				field("remote accounts", s.RemoteAccounts),
				field("follows", s.Follows),
				field("blocks", s.Blocks),
				field("local notes", s.LocalNotes),
				field("remote notes", s.RemoteNotes),
				field("inbound", s.InboundActivities),
				field("outbound", s.OutboundActivities),
				field("queued", s.PendingDeliveries),
			}
			fmt.Println(boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
			return nil
		}),
	}
}

func field(label string, value any) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(fmt.Sprint(value)))
}

func printField(label string, value any) {
	fmt.Println(field(label, value))
}

func printActor(actor *activitypub.Actor) {
	rows := []string{
		titleStyle.Render(actor.PreferredUsername),
		field("id", actor.ID),
		field("type", actor.Type),
		field("inbox", actor.Inbox),
	}
	if actor.Name != "" {
		rows = append(rows, field("name", actor.Name))
	}
	if actor.Endpoints != nil && actor.Endpoints.SharedInbox != "" {
		rows = append(rows, field("shared inbox", actor.Endpoints.SharedInbox))
	}
	if actor.Outbox != "" {
		rows = append(rows, field("outbox", actor.Outbox))
	}
	if actor.Followers != "" {
		rows = append(rows, field("followers", actor.Followers))
	}
	rows = append(rows, field("key", actor.PublicKey.ID))
	fmt.Println(boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
}
