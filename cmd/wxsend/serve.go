package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wxsend/internal/server"
)

// apiKeyEnv is consulted when neither --api-key nor server.apiKey is set.
const apiKeyEnv = "WXSEND_API_KEY"

func (c *cli) serveCmd() *cobra.Command {
	var (
		host   string
		port   int
		apiKey string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway (x-api-key authenticated)",
		Long: `Serves POST /send/text, POST /send/file, GET /contacts, GET /health and
friends over HTTP. Every endpoint except GET /api-key requires the x-api-key header.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			scfg := a.cfg.Server
			if cmd.Flags().Changed("host") {
				scfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				scfg.Port = port
			}
			switch {
			case apiKey != "":
				scfg.APIKey = apiKey
			case scfg.APIKey == "":
				scfg.APIKey = os.Getenv(apiKeyEnv)
			}
			if scfg.APIKey == "" {
				return fmt.Errorf("no API key: set server.apiKey, %s or --api-key", apiKeyEnv)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(c.stderr, "wxsend %s gateway on %s:%d (Ctrl+C to stop)\n", version, scfg.Host, scfg.Port)
			return server.New(scfg, a.svc, a.logger).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "shared key clients send in x-api-key")
	return cmd
}
