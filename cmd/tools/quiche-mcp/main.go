package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/quiche/internal/channel"
	"github.com/michaelbrown/quiche/internal/client"
	quiche "github.com/michaelbrown/quiche/internal/server"
	"github.com/michaelbrown/quiche/internal/submission"
)

const maxOutput = 4000

func main() {
	c := client.New(envOr("QUICHE_SERVER", "http://localhost:8080"))
	requester := envOr("QUICHE_REQUESTER", "mcp")

	s := server.NewMCPServer("quiche-mcp", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: "Run a Python program in a Quiche sandbox and return its output.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Lines typed into the program, one per line (optional)",
				},
			},
			Required: []string{"code"},
		},
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleCodeRun(ctx, c, requester, req)
	})

	s.AddTool(mcp.Tool{
		Name:        "queue_status",
		Description: "List the requesters with active and queued Quiche sessions.",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := c.Queue(ctx, requester)
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		return textResult(q.Text, false), nil
	})

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
}

func handleCodeRun(ctx context.Context, c *client.Client, requester string, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	code, _ := args["code"].(string)
	stdin, _ := args["stdin"].(string)
	if code == "" {
		return errResult("error: 'code' is required"), nil
	}

	sess, err := c.Attach(ctx, "mcp", requester)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	defer sess.Close()

	err = sess.Run(submission.Payload{
		Attachments: []submission.File{{Name: "main.py", Data: []byte(code)}},
	})
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	if stdin != "" {
		for _, line := range strings.Split(strings.TrimSuffix(stdin, "\n"), "\n") {
			if err := sess.Send(line); err != nil {
				return errResult(fmt.Sprintf("error: %v", err)), nil
			}
		}
	}

	// Closing the session unblocks Next when the caller gives up.
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	var output strings.Builder
	started := false
	for {
		f, err := sess.Next()
		if err != nil {
			output.WriteString(fmt.Sprintf("\nconnection closed: %v", err))
			return textResult(output.String(), true), nil
		}
		switch f.Type {
		case quiche.FrameText:
			if started {
				output.WriteString(f.Content)
				continue
			}
			// Before the start embed only the queue notice is expected;
			// anything else means the run failed before the program ran.
			if !strings.Contains(f.Content, "has been queued") {
				return errResult(f.Content), nil
			}
		case quiche.FrameError:
			return errResult(f.Content), nil
		case quiche.FrameEmbed:
			if f.Embed == nil {
				continue
			}
			switch f.Embed.Kind {
			case channel.KindRunStarted:
				started = true
			case channel.KindRunFinished:
				status, code := field(f.Embed, "Status"), field(f.Embed, "Exit code")
				failed := status != "completed" || code != "0"
				if status != "completed" {
					output.WriteString("\nstatus: " + status)
				} else if code != "0" {
					output.WriteString("\nexit code: " + code)
				}
				return textResult(output.String(), failed), nil
			}
		}
	}
}

func field(e *channel.Embed, name string) string {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

func textResult(text string, isErr bool) *mcp.CallToolResult {
	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... (output truncated)"
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isErr,
	}
}

func errResult(text string) *mcp.CallToolResult {
	return textResult(text, true)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
