package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-sender/internal/config"
	"github.com/OliverSchlueter/mail-sender/internal/logging"
	"github.com/OliverSchlueter/mail-sender/internal/smtp"
	"github.com/OliverSchlueter/mail-sender/internal/transport"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

type options struct {
	envFile       string
	debug         bool
	attachment    string
	subject       string
	maxIterations int
	caFile        string
	report        bool
}

func main() {
	o := &options{}

	rootCmd := &cobra.Command{
		Use:          "mail-sender",
		Short:        "Send one email over STARTTLS with AUTH LOGIN",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o)
		},
	}

	rootCmd.Flags().StringVar(&o.envFile, "env-file", "", "Read configuration from this file (default .env if present)")
	rootCmd.Flags().BoolVar(&o.debug, "debug", false, "Log protocol traffic")
	rootCmd.Flags().StringVar(&o.attachment, "attachment", "", "Attach this file, overrides smtp_attachment_path")
	rootCmd.Flags().StringVar(&o.subject, "subject", "", "Subject, overrides smtp_subject")
	rootCmd.Flags().IntVar(&o.maxIterations, "max-iterations", 0, "Maximum number of protocol events before giving up")
	rootCmd.Flags().StringVar(&o.caFile, "ca-file", "", "PEM file with additional trusted root certificates")
	rootCmd.Flags().BoolVar(&o.report, "report", false, "Print a JSON delivery report to stdout")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, o *options) error {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("debug") {
		cfg.Debug = o.debug
	}
	if o.subject != "" {
		cfg.Envelope.Subject = o.subject
	}
	if o.attachment != "" {
		if err := cfg.SetAttachment(o.attachment); err != nil {
			return err
		}
	}
	if o.maxIterations > 0 {
		cfg.MaxIterations = o.maxIterations
	}

	logging.Init(logging.Configuration{
		Debug:   cfg.Debug,
		LokiURL: cfg.LokiURL,
	})

	tlsConfig, err := clientTLSConfig(cfg.Envelope.Host, o.caFile)
	if err != nil {
		return err
	}

	tr := transport.New(transport.Configuration{
		Host:      cfg.Envelope.Host,
		Port:      cfg.Envelope.Port,
		TLSConfig: tlsConfig,
		Timeout:   cfg.Timeout,
	})

	m, err := smtp.NewMachine(cfg.Envelope, tr, smtp.Configuration{
		ClientName: cfg.ClientName,
		Body:       cfg.BodyOptions(),
	})
	if err != nil {
		tr.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := smtp.Run(ctx, m, cfg.MaxIterations)

	if o.report {
		data, jerr := json.MarshalIndent(report, "", "  ")
		if jerr != nil {
			slog.Error("Failed to encode report", sloki.WrapError(jerr))
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
		}
	}

	if err != nil {
		slog.Error("Failed to send email", sloki.WrapError(err))
		return err
	}

	slog.Info("Email sent successfully", slog.String("to", cfg.Envelope.To), slog.String("server", report.Server))
	return nil
}

// clientTLSConfig trusts the system roots plus the certificates in caFile.
func clientTLSConfig(host, caFile string) (*tls.Config, error) {
	cfg := transport.TLSConfig(host)
	if caFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}

	cfg.RootCAs = pool
	return cfg, nil
}
