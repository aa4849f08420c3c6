package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/thoughtd/internal/thought"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(s thought.Status) string {
	switch s {
	case thought.StatusCompleted:
		return colorGreen
	case thought.StatusFailed, thought.StatusBlocked:
		return colorRed
	case thought.StatusPending, thought.StatusProcessing:
		return colorYellow
	default:
		return colorCyan
	}
}

// printThought renders a thought with its AI status and pending suggestions.
func printThought(w io.Writer, t thought.Thought) {
	fmt.Fprintf(w, "%s  %s\n", colorize(colorCyan, t.ID), t.Text)
	if len(t.Tags) > 0 {
		fmt.Fprintf(w, "  Tags: %s\n", strings.Join(t.Tags, ", "))
	}
	if t.Status != thought.StatusNone {
		fmt.Fprintf(w, "  AI: %s", colorize(statusColor(t.Status), string(t.Status)))
		if t.AIError != "" {
			fmt.Fprintf(w, " (%s)", t.AIError)
		}
		fmt.Fprintln(w)
	}
	if t.OriginalText != nil && *t.OriginalText != t.Text {
		fmt.Fprintf(w, "  Original: %s\n", *t.OriginalText)
	}
	for _, s := range t.Suggestions {
		if s.Status != thought.SuggestionPending {
			continue
		}
		fmt.Fprintf(w, "  Suggestion %s: %s (%.0f%%)\n", colorize(colorBold, s.ID), s.Type, s.Confidence*100)
	}
}

func printHistory(w io.Writer, entries []thought.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No processing history.")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-9s %-9s", e.ProcessedAt.Format("2006-01-02 15:04:05"), e.Trigger, e.Status)
		if e.ChangesApplied != nil {
			line += fmt.Sprintf("  changes=%d", *e.ChangesApplied)
		}
		if e.SuggestionsCount != nil {
			line += fmt.Sprintf("  suggestions=%d", *e.SuggestionsCount)
		}
		if e.TokensUsed != nil {
			line += fmt.Sprintf("  tokens=%d", *e.TokensUsed)
		}
		if e.Error != "" {
			line += "  error=" + e.Error
		}
		fmt.Fprintln(w, line)
	}
}
