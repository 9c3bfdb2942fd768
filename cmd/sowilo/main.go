package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/sowilo/internal"
	"github.com/starford/sowilo/internal/assistant"
	"github.com/starford/sowilo/internal/editor"
	"github.com/starford/sowilo/internal/prompt"
	pkgconfig "github.com/starford/sowilo/pkg/config"
)

var (
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}
}

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	found, err := pkgconfig.LoadOptional(cmd.String("config"), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if !found {
		fmt.Fprintln(os.Stderr, mutedStyle.Render("no config file at "+cmd.String("config")+", using defaults"))
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr)); err != nil {
		return fmt.Errorf("mcp server error: %w", err)
	}
	return nil
}

func ask(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id := cmd.String("command")
	c, ok := prompt.Lookup(id)
	if !ok {
		return fmt.Errorf("unknown command %q", id)
	}

	inv := assistant.Invocation{
		CommandID:  id,
		NotePath:   cmd.String("note"),
		UserPrompt: strings.Join(cmd.Args().Slice(), " "),
		Delivery:   editor.DeliveryMode(cmd.String("delivery")),
		DryRun:     cmd.Bool("dry-run"),
	}

	fmt.Fprintln(os.Stderr, noticeStyle.Render(c.Title)+" "+mutedStyle.Render(inv.NotePath))
	res, err := internal.Ask(ctx, inv, os.Stdout, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
	fmt.Fprintln(os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("failed: ")+err.Error())
		return err
	}

	switch {
	case res.CreatedNote != "":
		fmt.Fprintln(os.Stderr, noticeStyle.Render("created ")+res.CreatedNote)
	case res.Applied:
		fmt.Fprintln(os.Stderr, noticeStyle.Render(string(res.Delivery)+" ")+res.NotePath)
	}
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:   "sowilo",
		Usage:  "Writing assistant for a Markdown vault backed by local or OpenAI-compatible models",
		Action: serve,
		Flags:  []cli.Flag{configFlag()},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP API",
				Action: serve,
				Flags:  []cli.Flag{configFlag()},
			},
			{
				Name:   "mcp",
				Usage:  "Serve assistant tools over MCP stdio",
				Action: serveMCP,
				Flags:  []cli.Flag{configFlag()},
			},
			{
				Name:      "ask",
				Usage:     "Run one command and print the model output",
				ArgsUsage: "[prompt...]",
				Action:    ask,
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "command",
						Usage: "Command id",
						Value: prompt.VaultChat,
					},
					&cli.StringFlag{
						Name:  "note",
						Usage: "Relative path of the target note",
					},
					&cli.StringFlag{
						Name:  "delivery",
						Usage: "Override the command's delivery mode",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Print the output without modifying the note",
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
