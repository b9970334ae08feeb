package report

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/suPer8Hu/chunkflow/internal/delivery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// ChunkSource looks up chunk metadata for section headings. Optional.
type ChunkSource interface {
	GetChunkByID(ctx context.Context, id string) (*delivery.Chunk, error)
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// BuildMarkdown lays out one section per journaled turn, in journal order.
func BuildMarkdown(ctx context.Context, sessionID string, journal []delivery.ResponseRecord, chunks ChunkSource, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session report\n\n")
	fmt.Fprintf(&b, "- Session: `%s`\n", sessionID)
	fmt.Fprintf(&b, "- Generated: %s\n", now.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "- Responses: %d\n\n", len(journal))

	if len(journal) == 0 {
		b.WriteString("_No responses were recorded for this session._\n")
		return b.String()
	}

	for i, rec := range journal {
		title := fmt.Sprintf("Part %d", rec.ChunkIndex+1)
		var question string
		if chunks != nil {
			if c, err := chunks.GetChunkByID(ctx, rec.ChunkID); err == nil && c != nil {
				if t := strings.TrimSpace(c.Title); t != "" {
					title = fmt.Sprintf("Part %d: %s", rec.ChunkIndex+1, t)
				}
				question = strings.TrimSpace(c.Question)
			}
		}

		fmt.Fprintf(&b, "## %s\n\n", title)
		if question != "" {
			fmt.Fprintf(&b, "**Question:** %s\n\n", question)
		}
		reply := strings.TrimSpace(rec.UserReply)
		if reply == "" {
			reply = "_(no answer given)_"
		}
		fmt.Fprintf(&b, "%s\n\n", quote(reply))
		if !rec.CreatedAt.IsZero() {
			fmt.Fprintf(&b, "_Answered %s UTC_\n\n", rec.CreatedAt.UTC().Format("Jan 2, 15:04"))
		}
		if i < len(journal)-1 {
			b.WriteString("---\n\n")
		}
	}
	return b.String()
}

func quote(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

// RenderHTML converts the markdown and wraps it in a standalone page. Raw
// HTML inside the markdown is dropped by goldmark's default renderer.
func RenderHTML(title, markdown string) ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(markdown), &body); err != nil {
		return nil, err
	}
	var page bytes.Buffer
	fmt.Fprintf(&page, "<!doctype html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n", html.EscapeString(title))
	page.WriteString("<style>body{font-family:system-ui,sans-serif;max-width:46rem;margin:2rem auto;padding:0 1rem;line-height:1.5}blockquote{border-left:3px solid #ccc;margin-left:0;padding-left:1rem;color:#333}</style>\n")
	page.WriteString("</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")
	return page.Bytes(), nil
}
