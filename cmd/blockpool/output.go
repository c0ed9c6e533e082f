package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/holmberd/go-blockpool"
)

var (
	primaryColor = lipgloss.Color("#7D56F4")
	successColor = lipgloss.Color("#04B575")
	errorColor   = lipgloss.Color("#FF4B4B")
	mutedColor   = lipgloss.Color("#666666")

	titleStyle lipgloss.Style
	labelStyle lipgloss.Style
	okStyle    lipgloss.Style
	failStyle  lipgloss.Style
)

// setStyles builds the output styles, stripped of colors and emphasis unless
// color is set. It runs before every command.
func setStyles(color bool) {
	titleStyle = lipgloss.NewStyle()
	labelStyle = lipgloss.NewStyle().Width(18)
	okStyle = lipgloss.NewStyle()
	failStyle = lipgloss.NewStyle()
	if !color {
		return
	}
	titleStyle = titleStyle.Bold(true).Foreground(primaryColor)
	labelStyle = labelStyle.Foreground(mutedColor)
	okStyle = okStyle.Bold(true).Foreground(successColor)
	failStyle = failStyle.Bold(true).Foreground(errorColor)
}

// newLogger returns the logger handed to pools. Pool growth is logged at debug
// level, so it only shows up with --verbose.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printTitle(w io.Writer, title string) {
	fmt.Fprintln(w, titleStyle.Render(title))
	fmt.Fprintln(w, strings.Repeat("─", 40))
}

func printField(w io.Writer, label string, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label+":"), fmt.Sprintf(format, args...))
}

func printStats(w io.Writer, s blockpool.Stats) {
	printField(w, "Block size", "%d B", s.BlockSize)
	printField(w, "Block stride", "%d B", s.BlockStride)
	printField(w, "Blocks per chunk", "%d", s.BlocksPerChunk)
	printField(w, "Chunks", "%d (%s)", s.Chunks, formatBytes(int64(s.Chunks*s.BlocksPerChunk*s.BlockStride)))
	printField(w, "Blocks", "%d total, %d in use, %d free", s.TotalBlocks, s.InUseBlocks, s.FreeBlocks())
	printField(w, "Allocations", "%d", s.Allocs)
	printField(w, "Deallocations", "%d", s.Deallocs)
	printField(w, "Grows", "%d", s.Grows)
	printField(w, "Failures", "%d", s.Failures)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
