// ABOUTME: Thread management commands: list, delete and export
// ABOUTME: Work against the local database or a remote gateway per store.url

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/cruse/internal/client"
	"github.com/2389/cruse/internal/export"
)

const exportMessageLimit = 1000

// ThreadsCmd groups the thread subcommands.
type ThreadsCmd struct {
	List   ThreadsListCmd   `cmd:"" default:"withargs" help:"List threads, most recently active first."`
	Delete ThreadsDeleteCmd `cmd:"" help:"Delete a thread and its messages."`
}

// ThreadsListCmd lists threads.
type ThreadsListCmd struct {
	Agent string `short:"a" help:"Only threads of this agent."`
	Limit int    `short:"n" default:"20" help:"Maximum threads to show."`
}

func (c *ThreadsListCmd) Run(g *globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	threads, err := openThreads(cfg)
	if err != nil {
		return err
	}
	defer threads.Close()

	list, err := threads.ListThreads(g.ctx, c.Agent, c.Limit)
	if err != nil {
		return fmt.Errorf("listing threads: %w", err)
	}
	if len(list) == 0 {
		color.New(color.FgHiBlack).Println("no threads")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tTITLE\tUPDATED")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.AgentName, t.Title, t.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// ThreadsDeleteCmd deletes threads by ID.
type ThreadsDeleteCmd struct {
	IDs []string `arg:"" name:"id" help:"Thread IDs."`
}

func (c *ThreadsDeleteCmd) Run(g *globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	threads, err := openThreads(cfg)
	if err != nil {
		return err
	}
	defer threads.Close()

	green := color.New(color.FgGreen)
	for _, id := range c.IDs {
		if err := threads.DeleteThread(g.ctx, id); err != nil {
			return fmt.Errorf("deleting %s: %w", id, err)
		}
		green.Print("✓ ")
		fmt.Printf("deleted %s\n", id)
	}
	return nil
}

// ExportCmd writes a thread transcript.
type ExportCmd struct {
	ID     string `arg:"" help:"Thread ID."`
	Format string `short:"f" default:"markdown" enum:"markdown,md,html" help:"Output format (markdown, html)."`
	Out    string `short:"o" help:"Write to this file instead of stdout." placeholder:"PATH"`
}

func (c *ExportCmd) Run(g *globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	threads, err := openThreads(cfg)
	if err != nil {
		return err
	}
	defer threads.Close()

	data, err := c.render(g.ctx, threads)
	if err != nil {
		return err
	}

	if c.Out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(c.Out, data, 0o644); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("wrote %s\n", c.Out)
	return nil
}

// render asks a remote gateway to render, or renders locally.
func (c *ExportCmd) render(ctx context.Context, threads threadStore) ([]byte, error) {
	if remote, ok := threads.(*client.ThreadClient); ok {
		data, err := remote.Export(ctx, c.ID, c.Format)
		if err != nil {
			return nil, fmt.Errorf("exporting thread: %w", err)
		}
		return data, nil
	}

	thread, err := threads.GetThread(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("loading thread: %w", err)
	}
	msgs, err := threads.GetThreadMessages(ctx, c.ID, exportMessageLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	data, _, err := export.Render(c.Format, thread, msgs)
	if err != nil {
		return nil, fmt.Errorf("rendering export: %w", err)
	}
	return data, nil
}
