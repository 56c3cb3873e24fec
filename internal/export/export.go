// ABOUTME: Thread transcript export as markdown or standalone HTML
// ABOUTME: HTML is rendered from the markdown transcript with goldmark

package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/2389/cruse/internal/store"
)

// Formats accepted by Render.
const (
	FormatMarkdown = "md"
	FormatHTML     = "html"
)

// ErrUnknownFormat is returned by Render for an unsupported format.
var ErrUnknownFormat = errors.New("unsupported export format")

const timeLayout = "2006-01-02 15:04:05"

// Markdown renders a thread and its messages, oldest first, as a markdown transcript.
func Markdown(thread *store.Thread, msgs []*store.Message) []byte {
	var b strings.Builder

	title := thread.Title
	if title == "" {
		title = "Untitled thread"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if thread.AgentName != "" {
		fmt.Fprintf(&b, "_Agent: %s_  \n", thread.AgentName)
	}
	fmt.Fprintf(&b, "_Created: %s_\n\n", thread.CreatedAt.UTC().Format(timeLayout))

	for _, m := range msgs {
		fmt.Fprintf(&b, "### %s · %s\n\n", m.Sender, m.CreatedAt.UTC().Format(timeLayout))
		text := strings.TrimSpace(m.Text)
		if text == "" {
			text = "_(empty)_"
		}
		b.WriteString(text)
		b.WriteString("\n\n")

		if m.Widget != nil {
			writeWidget(&b, m.Widget)
		}
	}
	return []byte(b.String())
}

func writeWidget(b *strings.Builder, w *store.WidgetDefinition) {
	label := w.Title
	if label == "" {
		label = "form"
	}
	fmt.Fprintf(b, "> **Widget:** %s\n", label)
	if w.Description != "" {
		fmt.Fprintf(b, "> %s\n", w.Description)
	}
	b.WriteString("\n")

	if w.HasSchema() {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, w.Schema, "", "  "); err == nil {
			b.WriteString("```json\n")
			b.Write(pretty.Bytes())
			b.WriteString("\n```\n\n")
		}
	}
}

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; color: #0f172a; }
h3 { font-size: 0.85rem; color: #64748b; text-transform: uppercase; margin-top: 2rem; }
pre { background: #f1f5f9; padding: 0.75rem; overflow-x: auto; }
blockquote { border-left: 3px solid #2563eb; margin: 0; padding-left: 0.75rem; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML renders the transcript as a standalone HTML page. Raw HTML inside
// message text is not passed through.
func HTML(thread *store.Thread, msgs []*store.Message) ([]byte, error) {
	var body bytes.Buffer
	if err := goldmark.Convert(Markdown(thread, msgs), &body); err != nil {
		return nil, fmt.Errorf("converting markdown: %w", err)
	}

	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{
		Title: thread.Title,
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering page: %w", err)
	}
	return out.Bytes(), nil
}

// Render produces the transcript in format and returns it with its content type.
func Render(format string, thread *store.Thread, msgs []*store.Message) ([]byte, string, error) {
	switch format {
	case "", FormatMarkdown, "markdown":
		return Markdown(thread, msgs), "text/markdown; charset=utf-8", nil
	case FormatHTML:
		data, err := HTML(thread, msgs)
		return data, "text/html; charset=utf-8", err
	default:
		return nil, "", fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
}
