package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/catalog"
	"github.com/illmade-knight/go-querysync/pkg/config"
	"github.com/illmade-knight/go-querysync/pkg/invalidation"
	"github.com/illmade-knight/go-querysync/pkg/microservice"
	"github.com/illmade-knight/go-querysync/pkg/querysync"
	"github.com/illmade-knight/go-querysync/pkg/resource"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type options struct {
	envFile  string
	logLevel string
	baseURL  string
	token    string
	demo     bool
}

// app holds what the subcommands share once the root pre-run has wired it.
type app struct {
	opts   options
	cfg    config.Config
	logger zerolog.Logger
	engine *querysync.Engine
	debug  *microservice.DebugServer
	// newAPI is replaced in tests.
	newAPI func(a *app) (resource.API, error)
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(&app{newAPI: defaultAPI})
}

// execute runs root and then releases whatever setup created. Cobra skips
// post-run hooks when a command fails, so teardown happens here.
func execute(root *cobra.Command, a *app) error {
	err := root.Execute()
	return errors.Join(err, a.teardown())
}

func newRootCommandWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "modconsole",
		Short:         "Review and moderate marketplace products",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipsSetup(cmd) {
				return nil
			}
			return a.setup(cmd.Context(), cmd.ErrOrStderr())
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flags.StringVar(&a.opts.baseURL, "base-url", "", "API base URL (overrides API_BASE_URL)")
	flags.StringVar(&a.opts.token, "token", "", "bearer token (overrides API_TOKEN)")
	flags.BoolVar(&a.opts.demo, "demo", false, "use a seeded in-memory API instead of the network")

	root.AddCommand(
		a.listCommand(),
		a.pendingCommand(),
		a.searchCommand(),
		a.showCommand(),
		a.approveCommand(),
		a.rejectCommand(),
		a.deleteCommand(),
		a.statsCommand(),
	)
	return root
}

// skipsSetup reports whether cmd is one of cobra's own commands, which
// need no engine.
func skipsSetup(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "help" || c.Name() == "completion" {
			return true
		}
	}
	return false
}

func (a *app) setup(ctx context.Context, stderr io.Writer) error {
	cfg, err := config.Load(a.opts.envFile)
	if err != nil {
		return err
	}
	if a.opts.logLevel != "" {
		cfg.LogLevel = a.opts.logLevel
	}
	if a.opts.baseURL != "" {
		cfg.APIBaseURL = a.opts.baseURL
	}
	if a.opts.token != "" {
		cfg.APIToken = a.opts.token
	}
	a.cfg = cfg

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	a.logger = zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	api, err := a.newAPI(a)
	if err != nil {
		return err
	}

	var relay invalidation.Relay
	if cfg.RelayEnabled() {
		relay, err = invalidation.NewRedisRelay(ctx, &invalidation.RedisRelayConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RelayChannel,
		}, a.logger)
		if err != nil {
			return err
		}
	}

	a.engine, err = querysync.New(querysync.EngineConfigFrom(cfg), api, relay, a.logger)
	if err != nil {
		return err
	}
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	if cfg.DebugAddr != "" {
		a.debug = microservice.NewDebugServer(cfg.DebugAddr, a.engine, a.logger)
		if err := a.debug.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if a.debug != nil {
		errs = append(errs, a.debug.Shutdown(ctx))
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Close(ctx))
	}
	return errors.Join(errs...)
}

func defaultAPI(a *app) (resource.API, error) {
	if a.opts.demo {
		return resource.NewInMemoryAPI("demo-seller", demoProducts()...), nil
	}
	var tokens resource.TokenSource
	if a.cfg.APIToken != "" {
		tokens = resource.StaticToken(a.cfg.APIToken)
	}
	return resource.NewHTTPClient(&resource.HTTPClientConfig{
		BaseURL: a.cfg.APIBaseURL,
		Timeout: a.cfg.APITimeout,
	}, nil, tokens, a.logger)
}

func demoProducts() []resource.Product {
	now := time.Now()
	return []resource.Product{
		{ID: "demo-1", Name: "Walnut Desk", SellerID: "demo-seller", Status: resource.StatusPending, BasePrice: 320, TotalStock: 4, CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "demo-2", Name: "Linen Lamp Shade", SellerID: "demo-seller", Status: resource.StatusPending, BasePrice: 45, TotalStock: 12, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "demo-3", Name: "Steel Stool", SellerID: "other-seller", Status: resource.StatusApproved, BasePrice: 80, TotalStock: 0, CreatedAt: now.Add(-time.Hour)},
	}
}

type listFlags struct {
	scope   string
	status  string
	keyword string
	page    int
	size    int
}

func (f *listFlags) register(cmd *cobra.Command, defaultScope string) {
	cmd.Flags().StringVar(&f.scope, "scope", defaultScope, "public, mine, pending or admin")
	cmd.Flags().StringVar(&f.status, "status", "", "filter by status, e.g. PENDING")
	cmd.Flags().StringVar(&f.keyword, "keyword", "", "filter by name")
	cmd.Flags().IntVar(&f.page, "page", resource.DefaultPage, "page number, from 0")
	cmd.Flags().IntVar(&f.size, "size", resource.DefaultSize, "page size")
}

func (f *listFlags) request(cmd *cobra.Command) resource.ListRequest {
	req := resource.ListRequest{
		Scope:   resource.Scope(f.scope),
		Status:  resource.ProductStatus(strings.ToUpper(f.status)),
		Keyword: f.keyword,
	}
	// Only flags the user set become key parameters.
	if cmd.Flags().Changed("page") {
		req.Page = &f.page
	}
	if cmd.Flags().Changed("size") {
		req.Size = &f.size
	}
	return req
}

func (a *app) listCommand() *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List products",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			page, err := a.engine.Products(cmd.Context(), f.request(cmd))
			if err != nil {
				return err
			}
			printPage(cmd.OutOrStdout(), page)
			return nil
		},
	}
	f.register(cmd, string(resource.ScopeAdmin))
	return cmd
}

func (a *app) pendingCommand() *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List products waiting for review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := f.request(cmd)
			req.Scope = resource.ScopePending
			page, err := a.engine.Products(cmd.Context(), req)
			if err != nil {
				return err
			}
			printPage(cmd.OutOrStdout(), page)
			return nil
		},
	}
	f.register(cmd, string(resource.ScopePending))
	return cmd
}

func (a *app) searchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <keyword>",
		Short: "Search approved products",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := a.engine.Search(cmd.Context(), resource.SearchRequest{Keyword: args[0]})
			if err != nil {
				return err
			}
			printPage(cmd.OutOrStdout(), page)
			return nil
		},
	}
}

func (a *app) showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.engine.Product(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printProduct(cmd.OutOrStdout(), p)
			return nil
		},
	}
}

func (a *app) approveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.engine.Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", p.ID, p.Status)
			return nil
		},
	}
}

func (a *app) rejectCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id> --reason <text>",
		Short: "Reject a pending product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.engine.Reject(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s: %s\n", p.ID, p.Status, p.RejectionReason)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the product is rejected")
	return cmd
}

func (a *app) deleteCommand() *cobra.Command {
	var page, contentLen int
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s deleted\n", args[0])
			if cmd.Flags().Changed("page") {
				fmt.Fprintf(out, "continue on page %d\n", catalog.PageAfterDelete(page, contentLen))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 0, "page the product was listed on")
	cmd.Flags().IntVar(&contentLen, "content-len", 0, "items on that page before the delete")
	return cmd
}

func (a *app) statsCommand() *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count products by review status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			page, err := a.engine.Products(cmd.Context(), f.request(cmd))
			if err != nil {
				return err
			}
			c := querysync.CountStatuses(page)
			fmt.Fprintf(cmd.OutOrStdout(), "pending=%d approved=%d rejected=%d other=%d total=%d\n",
				c.Pending, c.Approved, c.Rejected, c.Other, page.TotalElements)
			return nil
		},
	}
	f.register(cmd, string(resource.ScopeAdmin))
	return cmd
}

func printPage(w io.Writer, page querysync.ProductPage) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPRICE\tSTOCK")
	for _, s := range page.Content {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%d\n", s.ID, s.Name, s.Status, s.BasePrice, s.TotalStock)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "page %d of %d, %d products\n", page.PageNumber+1, max(page.TotalPages, 1), page.TotalElements)
}

func printProduct(w io.Writer, p resource.Product) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", p.ID)
	fmt.Fprintf(tw, "name\t%s\n", p.Name)
	fmt.Fprintf(tw, "status\t%s\n", p.Status)
	if p.RejectionReason != "" {
		fmt.Fprintf(tw, "reason\t%s\n", p.RejectionReason)
	}
	fmt.Fprintf(tw, "seller\t%s\n", p.SellerID)
	fmt.Fprintf(tw, "price\t%.2f\n", p.BasePrice)
	fmt.Fprintf(tw, "stock\t%d\n", p.TotalStock)
	_ = tw.Flush()
}
