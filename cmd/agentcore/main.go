// Command agentcore runs a tool-using conversation against the configured model.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/toolloop"
	"agentcore/pkg/config"
	"agentcore/pkg/logx"
)

// Version information - set via ldflags.
var version = "dev"

type options struct {
	configPath     string
	conversationID string
	deleteID       string
	metricsAddr    string
	dumpMetrics    bool
	list           bool
	debug          bool
	showVersion    bool
	prompt         string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("agentcore", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to a JSON, JSONC or YAML config file")
	flagSet.StringVar(&opts.conversationID, "conversation", "", "resume a stored conversation (requires persistence)")
	flagSet.BoolVar(&opts.list, "list", false, "list stored conversations and exit (requires persistence)")
	flagSet.StringVar(&opts.deleteID, "delete", "", "delete a stored conversation and exit (requires persistence)")
	flagSet.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flagSet.BoolVar(&opts.dumpMetrics, "dump-metrics", false, "print metrics in text format on exit")
	flagSet.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&opts.showVersion, "version", false, "show version information")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err //nolint:wrapcheck // pflag errors are already descriptive
	}
	opts.prompt = strings.TrimSpace(strings.Join(flagSet.Args(), " "))
	return opts, nil
}

// run contains the main application logic and returns an exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "agentcore %s\n", version)
		return 0
	}

	logx.SetOutput(stderr)
	logx.SetDebugConfig(opts.debug)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if opts.list || opts.deleteID != "" {
		return manageConversations(ctx, &cfg, opts, stdout, stderr)
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if err := promptForAPIKey(&cfg, stdin, stderr); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	a, err := newApp(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer a.Close()

	conv, err := a.conversation(ctx, opts.conversationID)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	code := 0
	switch {
	case opts.prompt != "":
		code = a.turn(ctx, conv, opts.prompt, stdout, stderr)
	case isTerminal(stdin):
		code = a.interactive(ctx, conv, stdin, stdout, stderr)
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to read prompt: %v\n", err)
			return 1
		}
		prompt := strings.TrimSpace(string(data))
		if prompt == "" {
			fmt.Fprintln(stderr, "No prompt given.")
			return 2
		}
		code = a.turn(ctx, conv, prompt, stdout, stderr)
	}

	a.reportUsage(conv, stderr)
	if opts.dumpMetrics {
		if err := a.dumpMetrics(stdout); err != nil {
			fmt.Fprintf(stderr, "Failed to write metrics: %v\n", err)
		}
	}
	return code
}

// turn sends one prompt and prints the answer. Failed turns are reported
// but leave the conversation usable.
func (a *app) turn(ctx context.Context, conv *llm.Conversation, prompt string, stdout, stderr io.Writer) int {
	answer, err := a.orchestrator.SendMessage(ctx, conv, prompt)
	if saveErr := a.save(ctx, conv); saveErr != nil {
		a.logger.Warn("failed to save conversation %s: %v", conv.ID(), saveErr)
	}
	if err != nil {
		if toolloop.IsLoopExceeded(err) {
			fmt.Fprintf(stderr, "Stopped: %v\n", err)
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	fmt.Fprintln(stdout, answer)
	return 0
}

func (a *app) interactive(ctx context.Context, conv *llm.Conversation, stdin io.Reader, stdout, stderr io.Writer) int {
	fmt.Fprintf(stderr, "Conversation %s. Empty line or Ctrl-D to quit, /usage or /reset for commands.\n", conv.ID())
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	code := 0
	for {
		fmt.Fprint(stderr, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "/") {
			a.command(conv, line, stderr)
			continue
		}
		code = a.turn(ctx, conv, line, stdout, stderr)
		if ctx.Err() != nil {
			return 130
		}
	}
	return code
}

// command runs one interactive slash command.
func (a *app) command(conv *llm.Conversation, line string, stderr io.Writer) {
	switch line {
	case "/usage":
		if !a.reportUsage(conv, stderr) {
			fmt.Fprintln(stderr, "No requests yet.")
		}
	case "/reset":
		if a.breaker == nil {
			fmt.Fprintln(stderr, "Circuit breaker is disabled.")
			return
		}
		a.breaker.Reset()
		fmt.Fprintf(stderr, "Circuit breaker is %s.\n", a.breaker.State())
	default:
		fmt.Fprintf(stderr, "Unknown command %s. Commands: /usage, /reset\n", line)
	}
}

// promptForAPIKey asks for a missing API key when stdin is a terminal.
func promptForAPIKey(cfg *config.Config, stdin io.Reader, stderr io.Writer) error {
	if _, err := cfg.APIKey(); err == nil {
		return nil
	} else if !isTerminal(stdin) {
		return err //nolint:wrapcheck // already names the missing variable
	}

	provider, err := cfg.ProviderName()
	if err != nil {
		return err //nolint:wrapcheck // already names the model
	}
	fmt.Fprintf(stderr, "Enter %s API key: ", provider)
	key, err := term.ReadPassword(int(stdin.(*os.File).Fd())) //nolint:forcetypeassert // isTerminal checked
	fmt.Fprintln(stderr)
	if err != nil {
		return fmt.Errorf("failed to read API key: %w", err)
	}
	cfg.Provider.APIKey = strings.TrimSpace(string(key))
	if cfg.Provider.APIKey == "" {
		return errors.New("no API key given")
	}
	return nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
