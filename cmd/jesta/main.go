package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stencila/jesta/internal/manifest"
	"github.com/stencila/jesta/internal/observability"
	"github.com/stencila/jesta/internal/server"
)

var nodeMethods = []struct{ name, short string }{
	{"validate", "Validate a document"},
	{"reshape", "Reshape a document"},
	{"enrich", "Enrich a document"},
	{"compile", "Derive the dependencies of a document's code"},
	{"build", "Install the packages a document's code imports"},
	{"clean", "Remove derived properties from a document"},
	{"execute", "Execute a document's code"},
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var f flags

	rootCmd := &cobra.Command{
		Use:   "jesta <method>[+<method>...] <in> [out]",
		Short: "Stencila plugin for executable documents using JavaScript",
		Long: "Run jesta methods on a document. Methods joined with + are piped,\n" +
			"e.g. `jesta clean+compile+execute doc.json out.json`.",
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 || !strings.Contains(args[0], "+") {
				return cmd.Help()
			}
			calls := strings.Split(args[0], "+")
			return f.run(cmd, manifest.Options{}, func(ctx context.Context, a *app) error {
				return a.pipe(ctx, calls, args[1], optional(args, 2))
			})
		},
	}
	rootCmd.PersistentFlags().StringVar(&f.configPath, "config", "jesta.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(f.serveCmd(), f.manifestCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "decode <in> [format]",
		Short: "Decode content to a node",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, manifest.Options{}, func(ctx context.Context, a *app) error {
				content, err := a.call(ctx, "read", map[string]any{"input": inputURL(args[0])})
				if err != nil {
					return err
				}
				n, err := a.call(ctx, "decode", withOptional(map[string]any{"content": content}, "format", optional(args, 1)))
				if err != nil {
					return err
				}
				return a.output(ctx, n, "")
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "encode <out> [format]",
		Short: "Encode a JSON node read from stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, manifest.Options{}, func(ctx context.Context, a *app) error {
				n, err := a.call(ctx, "import", map[string]any{"input": "stdin://"})
				if err != nil {
					return err
				}
				params := map[string]any{"node": n, "output": outputURL(args[0])}
				_, err = a.call(ctx, "export", withOptional(params, "format", optional(args, 1)))
				return err
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "convert <in> <out> [from] [to]",
		Short: "Convert content from one URL and format to another",
		Args:  cobra.RangeArgs(2, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, manifest.Options{}, func(ctx context.Context, a *app) error {
				params := map[string]any{"input": inputURL(args[0]), "output": outputURL(args[1])}
				params = withOptional(params, "from", optional(args, 2))
				params = withOptional(params, "to", optional(args, 3))
				_, err := a.call(ctx, "convert", params)
				return err
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "pull <url> <path>",
		Short: "Pull a file from a URL to the file system",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, manifest.Options{}, func(ctx context.Context, a *app) error {
				path, err := a.call(ctx, "pull", map[string]any{"input": inputURL(args[0]), "output": args[1]})
				if err != nil {
					return err
				}
				a.logger.Info("Pulled file", "url", args[0], "path", path)
				return nil
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "select <in> <query> [lang]",
		Short: "Select a child of a document",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, manifest.Options{}, func(ctx context.Context, a *app) error {
				n, err := a.load(ctx, args[0])
				if err != nil {
					return err
				}
				params := withOptional(map[string]any{"node": n, "query": args[1]}, "lang", optional(args, 2))
				selected, err := a.call(ctx, "select", params)
				if err != nil {
					return err
				}
				return a.output(ctx, selected, "")
			})
		},
	})

	for _, m := range nodeMethods {
		method := m.name
		rootCmd.AddCommand(&cobra.Command{
			Use:   method + " <in> [out]",
			Short: m.short,
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return f.run(cmd, manifest.Options{}, func(ctx context.Context, a *app) error {
					return a.pipe(ctx, []string{method}, args[0], optional(args, 1))
				})
			},
		})
	}

	rootCmd.AddCommand(f.sessionCmd("vars", "vars <in>", "List the variables of an executed document", cobra.ExactArgs(1)))
	rootCmd.AddCommand(f.sessionCmd("get", "get <in> <name>", "Get a variable of an executed document", cobra.ExactArgs(2)))
	rootCmd.AddCommand(f.sessionCmd("set", "set <in> <name> <value>", "Set a variable of an executed document and list the variables", cobra.ExactArgs(3)))

	return rootCmd
}

// run creates the app for a command and closes it afterwards.
func (f *flags) run(cmd *cobra.Command, man manifest.Options, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, f.configPath, f.logLevel, man)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return fn(ctx, a)
}

func (f *flags) manifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest",
		Short: "Print the plugin manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, manifest.Options{}, func(ctx context.Context, a *app) error {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(a.dispatcher.Manifest)
			})
		},
	}
}

func (f *flags) sessionCmd(method, use, short string, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, manifest.Options{}, func(ctx context.Context, a *app) error {
				document := args[0]
				n, err := a.load(ctx, args[0])
				if err != nil {
					return err
				}
				if _, err := a.call(ctx, "execute", map[string]any{"node": n, "document": document}); err != nil {
					return err
				}

				var result any
				switch method {
				case "vars":
					result, err = a.call(ctx, "vars", map[string]any{"document": document})
				case "get":
					result, err = a.call(ctx, "get", map[string]any{"document": document, "name": args[1]})
				case "set":
					params := map[string]any{"document": document, "name": args[1], "value": parseValue(args[2])}
					if _, err = a.call(ctx, "set", params); err == nil {
						result, err = a.call(ctx, "vars", map[string]any{"document": document})
					}
				}
				if err != nil {
					return err
				}
				return a.output(ctx, result, "")
			})
		},
	}
}

func (f *flags) serveCmd() *cobra.Command {
	var transport, addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the plugin over stdio or HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, manifest.Options{}, func(ctx context.Context, a *app) error {
				if transport == "" {
					transport = a.cfg.Server.Transport
				}
				if addr == "" {
					addr = a.cfg.Server.Addr
				}

				tracing, err := observability.InitTracing(ctx, a.cfg.Tracing.Endpoint,
					observability.WithServiceVersion(version),
					observability.WithSampleRate(a.cfg.Tracing.SampleRate),
				)
				if err != nil {
					return err
				}

				switch transport {
				case "stdio", "":
					return a.serveStdio(ctx, tracing)
				case "http":
					return a.serveHTTP(addr, tracing)
				default:
					return fmt.Errorf("unknown transport %q", transport)
				}
			})
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "Transport to serve over (stdio, http)")
	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on for http")
	return cmd
}

func (a *app) serveStdio(ctx context.Context, tracing *observability.Tracing) error {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	shutdown := server.NewShutdownHandler(server.ShutdownConfig{
		Timeout: 10 * time.Second,
		Signals: []os.Signal{syscall.SIGTERM},
		Logger:  a.logger,
	})
	shutdown.Register(server.TracingHook(tracing.Shutdown))
	shutdown.Start()

	srv := server.New(a.dispatcher, server.WithInterrupts(interrupts), server.WithLogger(a.logger))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, a.stdin, a.stdout) }()

	select {
	case err := <-errCh:
		shutdown.Shutdown()
		<-shutdown.Done()
		return err
	case <-shutdown.Done():
		return nil
	}
}

func (a *app) serveHTTP(addr string, tracing *observability.Tracing) error {
	a.dispatcher.Manifest.Addresses = append(a.dispatcher.Manifest.Addresses,
		manifest.Address{Transport: "http", URL: "http://" + addr, Serialization: "json"},
		manifest.Address{Transport: "ws", URL: "ws://" + addr + "/ws", Serialization: "json"},
	)
	g := server.NewGracefulServer(&server.HealthConfig{Version: version}, server.ShutdownConfig{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGTERM, os.Interrupt},
		Logger:  a.logger,
	})
	g.Health.RegisterCheck("sessions", server.SessionsHealthChecker(func() int {
		return len(a.plugin.Sessions.Documents())
	}, a.cfg.Plugin.MaxSessions))
	if pinger, ok := a.graph.(interface{ Ping(context.Context) error }); ok {
		g.Health.RegisterCheck("graph", server.ConnectivityChecker("Graph", pinger.Ping))
	}
	g.Shutdown.Register(server.TracingHook(tracing.Shutdown))

	srv := server.New(a.dispatcher, server.WithLogger(a.logger))
	handler := srv.HTTPHandler(server.HTTPOptions{Health: g.Health, Metrics: observability.Metrics().Handler()})
	a.logger.Info("Serving HTTP", "addr", addr)
	return g.ListenAndServe(addr, handler)
}
