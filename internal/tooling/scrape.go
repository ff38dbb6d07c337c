package tooling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"scout/internal/brightdata"
)

// scrapeContentLimit caps the extracted text handed back to the model.
const scrapeContentLimit = 12000

type ScrapeTool struct {
	client  *brightdata.Client
	timeout time.Duration
}

func NewScrapeTool(client *brightdata.Client, timeout time.Duration) *ScrapeTool {
	return &ScrapeTool{client: client, timeout: timeout}
}

func (t *ScrapeTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "scrape_page",
			Description: "Fetch a web page through the unlocker proxy and return its readable text content (title, headings, paragraphs, links). Use after search_web to read a promising result.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The absolute URL of the page to read",
					},
				},
				"required": []string{"url"},
			},
		},
	}
}

func (t *ScrapeTool) Call(ctx context.Context, args map[string]any) (string, error) {
	target, ok := stringArg(args, "url")
	if !ok || strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("scrape_page requires a url argument")
	}

	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()

	body, contentType, err := t.client.Fetch(ctx, target)
	if err != nil {
		return "", err
	}

	text, title, err := extractReadable(body)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", target, err)
	}
	truncated := false
	if len(text) > scrapeContentLimit {
		text = text[:scrapeContentLimit]
		truncated = true
	}
	payload := map[string]any{
		"url":          target,
		"title":        title,
		"content_type": contentType,
		"content":      text,
		"truncated":    truncated,
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// extractReadable reduces an HTML document to the text a reader would
// actually consume: the title, headings, paragraph text and link targets.
func extractReadable(body []byte) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	doc.Find("script, style, noscript, nav, footer").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())

	var b strings.Builder
	doc.Find("h1, h2, h3, p, li").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		switch goquery.NodeName(sel) {
		case "h1", "h2", "h3":
			b.WriteString("## ")
			b.WriteString(text)
		case "li":
			b.WriteString("- ")
			b.WriteString(text)
		default:
			b.WriteString(text)
		}
		b.WriteString("\n")
	})

	b.WriteString("\nLinks:\n")
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		if seen[href] {
			return
		}
		seen[href] = true
		label := strings.TrimSpace(sel.Text())
		if label == "" {
			label = href
		}
		fmt.Fprintf(&b, "- [%s](%s)\n", label, href)
	})

	return b.String(), title, nil
}
