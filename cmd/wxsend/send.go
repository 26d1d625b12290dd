package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"wxsend/internal/domain"
	"wxsend/internal/sender"
)

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the WeChat client is logged in, and as whom",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runOp(cmd, "status", func(ctx context.Context, svc *sender.Service) domain.Result {
				return svc.Status(ctx)
			})
		},
	}
}

func (c *cli) contactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contacts",
		Short: "List the friends known to the WeChat client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runOp(cmd, "contacts", func(ctx context.Context, svc *sender.Service) domain.Result {
				return svc.Contacts(ctx)
			})
		},
	}
}

// payloadFlags are the ways a rich JSON request can be passed.
type payloadFlags struct {
	inline string // --json, "-" reads stdin
	file   string // --json-file
}

func (p *payloadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.inline, "json", "", `request as a JSON object, or "-" to read it from stdin`)
	cmd.Flags().StringVar(&p.file, "json-file", "", "path to a file holding the JSON request")
}

func (p *payloadFlags) set() bool { return p.inline != "" || p.file != "" }

// decode reads the payload into v. Fields present in the JSON override
// those already set from positional arguments.
func (p *payloadFlags) decode(stdin io.Reader, v any) error {
	var (
		data []byte
		err  error
	)
	switch {
	case p.inline != "" && p.file != "":
		return fmt.Errorf("--json and --json-file are mutually exclusive")
	case p.file != "":
		data, err = os.ReadFile(p.file)
	case p.inline == "-":
		data, err = io.ReadAll(stdin)
	default:
		data = []byte(p.inline)
	}
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON request: %w", err)
	}
	return nil
}

func (c *cli) sendTextCmd() *cobra.Command {
	var payload payloadFlags
	cmd := &cobra.Command{
		Use:   "send-text [toType toName message]",
		Short: "Send a text message to a contact, a group or the file helper",
		Long: `Send a text message.

  wxsend send-text contact "Alice" "hello"
  wxsend send-text filehelper null "note to self"
  wxsend send-text --json '{"toType":"room","toIds":["Team A","Team B"],"text":"hi"}'

toType is contact, room or filehelper. A toName of "null" means the file helper.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req domain.TextRequest
			switch {
			case len(args) >= 3:
				req = domain.TextRequest{ToType: args[0], ToID: args[1], Text: strings.Join(args[2:], " ")}
			case !payload.set():
				return c.invalid("usage: wxsend send-text <toType> <toName> <message>, or --json")
			}
			if payload.set() {
				if err := payload.decode(c.stdin, &req); err != nil {
					return c.invalid("%v", err)
				}
			}
			return c.runOp(cmd, "send-text", func(ctx context.Context, svc *sender.Service) domain.Result {
				return svc.SendText(ctx, req)
			})
		},
	}
	payload.register(cmd)
	return cmd
}

func (c *cli) sendFileCmd() *cobra.Command {
	var (
		payload payloadFlags
		caption string
	)
	cmd := &cobra.Command{
		Use:   "send-file [toType toName url filename]",
		Short: "Download a file (or decode an inline one) and send it",
		Long: `Send a file from a URL or an inline base64 payload.

  wxsend send-file contact "Alice" https://example.com/report.pdf report.pdf
  wxsend send-file --json-file request.json

The JSON form accepts toType, toId, toIds, url, filename,
fileData {data, fileName, mimeType}, caption and batchOptions.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req domain.FileRequest
			switch {
			case len(args) >= 4:
				req = domain.FileRequest{ToType: args[0], ToID: args[1], URL: args[2], Filename: args[3]}
			case !payload.set():
				return c.invalid("usage: wxsend send-file <toType> <toName> <url> <filename>, or --json")
			}
			if payload.set() {
				if err := payload.decode(c.stdin, &req); err != nil {
					return c.invalid("%v", err)
				}
			}
			if caption != "" {
				req.Caption = caption
			}
			return c.runOp(cmd, "send-file", func(ctx context.Context, svc *sender.Service) domain.Result {
				return svc.SendFile(ctx, req)
			})
		},
	}
	payload.register(cmd)
	cmd.Flags().StringVar(&caption, "caption", "", "text sent after the file")
	return cmd
}
