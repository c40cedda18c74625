// Package main is the entry point for the mimemail command line sender.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shineum/mimemail/internal/config"
	"github.com/shineum/mimemail/internal/email"
	"github.com/shineum/mimemail/internal/provider"
	"github.com/shineum/mimemail/internal/provider/graph"
	"github.com/shineum/mimemail/internal/provider/ses"
	"github.com/shineum/mimemail/internal/provider/smtp"
	"github.com/shineum/mimemail/internal/provider/stdout"
	mimetls "github.com/shineum/mimemail/internal/tls"
)

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ", ") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type options struct {
	configPath string
	envFile    string
	provider   string

	to       string
	from     string
	subject  string
	text     string
	textFile string
	html     string
	htmlFile string
	attach   stringList
	headers  stringList
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		return 2
	}

	if err := loadEnvFile(opts.envFile); err != nil {
		slog.Error("failed to load env file", "path", opts.envFile, "error", err)
		return 1
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}
	if opts.provider != "" {
		cfg.Provider = strings.ToLower(opts.provider)
	}

	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}

	msg, err := buildMessage(opts, cfg)
	if err != nil {
		slog.Error("failed to prepare message", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		slog.Error("failed to create provider", "error", err)
		return 1
	}

	sent, err := msg.Send(ctx, prov)
	if err != nil {
		slog.Error("failed to send message", "provider", prov.Name(), "error", err)
		return 1
	}
	if !sent {
		slog.Error("message was not sent", "provider", prov.Name())
		return 1
	}

	slog.Info("message sent",
		"provider", prov.Name(),
		"to", opts.to,
		"attachments", len(opts.attach),
	)
	return 0
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}

	fset := flag.NewFlagSet("mimemail", flag.ContinueOnError)
	fset.StringVar(&opts.configPath, "config", "", "path to YAML configuration file (optional)")
	fset.StringVar(&opts.envFile, "env-file", ".env", "path to a dotenv file, ignored when missing")
	fset.StringVar(&opts.provider, "provider", "", "delivery provider: stdout, smtp, ses or graph (overrides config)")
	fset.StringVar(&opts.to, "to", "", "comma separated recipients")
	fset.StringVar(&opts.from, "from", "", "sender (defaults to message.from / MAIL_FROM)")
	fset.StringVar(&opts.subject, "subject", "", "subject line")
	fset.StringVar(&opts.text, "text", "", "plaintext body")
	fset.StringVar(&opts.textFile, "text-file", "", "read the plaintext body from a file")
	fset.StringVar(&opts.html, "html", "", "HTML body")
	fset.StringVar(&opts.htmlFile, "html-file", "", "read the HTML body from a file")
	fset.Var(&opts.attach, "attach", "attachment path (repeatable)")
	fset.Var(&opts.headers, "header", `extra header line such as "Reply-To: a@example.com" (repeatable)`)

	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// loadEnvFile loads a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output on stderr,
// keeping stdout free for the stdout provider.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// buildMessage assembles a Message from flags, reading body files eagerly.
// Attachments are read when the message is sent.
func buildMessage(opts *options, cfg *config.Config) (*email.Message, error) {
	if opts.to == "" {
		return nil, errors.New("-to is required")
	}

	from := opts.from
	if from == "" {
		from = cfg.Message.From
	}
	if from == "" && cfg.ResolvedProvider() == config.ProviderGraph {
		from = cfg.Graph.Sender
	}

	text, err := bodyFromFlag(opts.text, opts.textFile)
	if err != nil {
		return nil, err
	}
	html, err := bodyFromFlag(opts.html, opts.htmlFile)
	if err != nil {
		return nil, err
	}
	if text == "" && html == "" {
		return nil, errors.New("one of -text, -text-file, -html or -html-file is required")
	}

	msg := email.New(opts.to, from, opts.subject, email.WithText(text), email.WithHTML(html))
	for _, h := range opts.headers {
		msg.AddHeader(h)
	}
	for _, path := range opts.attach {
		msg.AddAttachment(path)
	}
	return msg, nil
}

func bodyFromFlag(inline, path string) (string, error) {
	if inline != "" && path != "" {
		return "", fmt.Errorf("both an inline body and %s were given", path)
	}
	if path == "" {
		return inline, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read body file: %w", err)
	}
	return string(data), nil
}

// selectProvider builds the delivery backend chosen by configuration.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch name := cfg.ResolvedProvider(); name {
	case config.ProviderSMTP:
		tlsCfg, err := mimetls.ClientConfig(cfg.SMTP.CAFile, cfg.SMTP.InsecureSkipVerify, "")
		if err != nil {
			return nil, err
		}
		slog.Info("using SMTP provider",
			"address", cfg.SMTP.Address,
			"tls", cfg.SMTP.TLS,
			"auth_enabled", cfg.AuthEnabled(),
		)
		return smtp.New(smtp.Config{
			Address:   cfg.SMTP.Address,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			TLSMode:   cfg.SMTP.TLS,
			TLSConfig: tlsCfg,
			Timeout:   cfg.SMTP.Timeout,
		}), nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider", "region", cfg.SES.Region)
		return ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(cfg.Stdout.Raw), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
