// Package observability provides formatted console output for webhook
// events, run status and CLI results.
package observability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jonathan/mosaic-agent/internal/runstatus"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 72
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output. It is safe for concurrent use so that
// concurrent webhook handlers never interleave boxes.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// Printf writes one unboxed line.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
	if !strings.HasSuffix(format, "\n") {
		fmt.Fprintln(p.out)
	}
}

// FormatTimestamp renders t for humans, or "N/A" for the zero time.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// PrintWebhookEvent outputs an accepted webhook event and the run status it
// produced.
func (p *Printer) PrintWebhookEvent(ev runstatus.WebhookEvent, status runstatus.RunStatus) {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Event:     %s  (#%d)\n", ev.Flag, ev.Sequence))
	sb.WriteString(fmt.Sprintf("Run ID:    %s\n", ev.RunID))
	sb.WriteString(fmt.Sprintf("Agent ID:  %s\n", orNA(ev.AgentID)))
	if ev.Status != "" {
		sb.WriteString(fmt.Sprintf("Status:    %s\n", ev.Status))
	}
	sb.WriteString(fmt.Sprintf("Received:  %s\n", FormatTimestamp(ev.ReceivedAt)))
	if ev.Token != "" {
		sb.WriteString(fmt.Sprintf("Token:     %s\n", ev.Token))
	}

	if len(ev.Inputs) > 0 {
		sb.WriteString(fmt.Sprintf("\nInputs (%d):\n", len(ev.Inputs)))
		writeInputs(&sb, ev.Inputs)
	}
	if len(ev.Outputs) > 0 {
		sb.WriteString(fmt.Sprintf("\nOutputs (%d):\n", len(ev.Outputs)))
		writeOutputs(&sb, ev.Outputs)
	}
	if tb := ev.TriggeredBy; tb != nil {
		sb.WriteString("\nTriggered by:\n")
		sb.WriteString(fmt.Sprintf("  Type:     %s\n", orNA(tb.Type)))
		if tb.ChannelName != "" || tb.ChannelID != "" {
			sb.WriteString(fmt.Sprintf("  Channel:  %s (%s)\n", orNA(tb.ChannelName), orNA(tb.ChannelID)))
		}
		if tb.VideoTitle != "" {
			sb.WriteString(fmt.Sprintf("  Video:    %s\n", tb.VideoTitle))
		}
		if tb.VideoURL != "" {
			sb.WriteString(fmt.Sprintf("  URL:      %s\n", tb.VideoURL))
		}
		if !tb.TriggeredAt.IsZero() {
			sb.WriteString(fmt.Sprintf("  At:       %s\n", FormatTimestamp(tb.TriggeredAt)))
		}
	}

	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Run state: %s", status.State))
	if !ev.Changed {
		sb.WriteString("  (no change)")
	}
	switch status.State {
	case runstatus.StateCompleted:
		sb.WriteString("\n✅ Run completed successfully")
	case runstatus.StateFailed:
		sb.WriteString("\n❌ Run failed")
		if status.Error != "" {
			sb.WriteString(": " + status.Error)
		}
	}

	p.printBox(eventTitle(ev.Flag), sb.String())
}

func eventTitle(flag runstatus.Flag) string {
	switch flag {
	case runstatus.FlagRunStarted:
		return "🚀 AGENT RUN STARTED"
	case runstatus.FlagOutputsFinished:
		return "✨ OUTPUTS COMPLETED"
	case runstatus.FlagRunFinished:
		return "🏁 AGENT RUN FINISHED"
	default:
		return "🔔 WEBHOOK RECEIVED"
	}
}

func writeInputs(sb *strings.Builder, inputs []runstatus.Input) {
	count := min(len(inputs), maxItemsToShow)
	for i := 0; i < count; i++ {
		in := inputs[i]
		switch {
		case in.VideoID != "":
			sb.WriteString(fmt.Sprintf("  %d. Video ID: %s\n", i+1, in.VideoID))
		default:
			sb.WriteString(fmt.Sprintf("  %d. File: %s\n", i+1, orNA(in.FileName)))
		}
		if u := firstNonEmpty(in.VideoURL, in.FileURL); u != "" {
			sb.WriteString(fmt.Sprintf("     URL: %s\n", u))
		}
	}
	if len(inputs) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(inputs)-maxItemsToShow))
	}
}

func writeOutputs(sb *strings.Builder, outputs []runstatus.Output) {
	count := min(len(outputs), maxItemsToShow)
	for i := 0; i < count; i++ {
		out := outputs[i]
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, out.VideoURL))
		if out.ThumbnailURL != "" {
			sb.WriteString(fmt.Sprintf("     Thumbnail: %s\n", out.ThumbnailURL))
		}
		if !out.CompletedAt.IsZero() {
			sb.WriteString(fmt.Sprintf("     Completed: %s\n", FormatTimestamp(out.CompletedAt)))
		}
	}
	if len(outputs) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(outputs)-maxItemsToShow))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// PrintRunStatus outputs the merged status of a run.
func (p *Printer) PrintRunStatus(status runstatus.RunStatus) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run ID:    %s\n", status.RunID))
	if status.AgentID != "" {
		sb.WriteString(fmt.Sprintf("Agent ID:  %s\n", status.AgentID))
	}
	sb.WriteString(fmt.Sprintf("State:     %s\n", status.State))
	sb.WriteString(fmt.Sprintf("Updated:   %s\n", FormatTimestamp(status.LastUpdated)))
	if status.Error != "" {
		sb.WriteString(fmt.Sprintf("Error:     %s\n", status.Error))
	}
	sb.WriteString(fmt.Sprintf("\nOutputs (%d):\n", len(status.Outputs)))
	if len(status.Outputs) == 0 {
		sb.WriteString("  none yet\n")
	}
	writeOutputs(&sb, status.Outputs)

	p.printBox("RUN STATUS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintPollUpdate outputs one status query of a watched run on a single line.
func (p *Printer) PrintPollUpdate(attempt int, at time.Time, status runstatus.RunStatus, err error) {
	if err != nil {
		p.Printf("[%s] poll #%d failed: %v", at.Format("15:04:05"), attempt, err)
		return
	}
	p.Printf("[%s] poll #%d: %s (%d outputs)", at.Format("15:04:05"), attempt, status.State, len(status.Outputs))
}

// PrintWatchResult outputs why watching a run stopped.
func (p *Printer) PrintWatchResult(state string, status runstatus.RunStatus, attempts int, err error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run ID:    %s\n", orNA(status.RunID)))
	sb.WriteString(fmt.Sprintf("Result:    %s\n", state))
	sb.WriteString(fmt.Sprintf("Run state: %s\n", status.State))
	sb.WriteString(fmt.Sprintf("Queries:   %d\n", attempts))
	if err != nil {
		sb.WriteString(fmt.Sprintf("Error:     %v\n", err))
	}
	if len(status.Outputs) > 0 {
		sb.WriteString(fmt.Sprintf("\nOutputs (%d):\n", len(status.Outputs)))
		writeOutputs(&sb, status.Outputs)
	}
	p.printBox("WATCH FINISHED", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintRejected outputs a webhook delivery that was not applied.
func (p *Printer) PrintRejected(reason, detail, path string) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Reason:  %s\n", reason))
	sb.WriteString(fmt.Sprintf("Path:    %s\n", orNA(path)))
	if detail != "" {
		sb.WriteString(fmt.Sprintf("Detail:  %s", detail))
	}
	p.printBox("⚠ WEBHOOK REJECTED", strings.TrimSuffix(sb.String(), "\n"))
}

// ListenerInfo describes a running webhook receiver.
type ListenerInfo struct {
	LocalURL        string
	PublicURL       string
	SignatureMode   string
	SecretSource    string
	SecretEnabled   bool
	RequireSecret   bool
	HistorySize     int
	PerRunSize      int
	RateLimitActive bool
}

// PrintListenerBanner outputs the receiver's endpoints and security posture.
func (p *Printer) PrintListenerBanner(info ListenerInfo) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Local:    %s\n", info.LocalURL))
	sb.WriteString(fmt.Sprintf("Health:   %s/health\n", info.LocalURL))
	sb.WriteString(fmt.Sprintf("History:  %s/history\n", info.LocalURL))
	sb.WriteString(fmt.Sprintf("Webhook:  %s/webhook\n", info.LocalURL))
	sb.WriteString(fmt.Sprintf("Alt:      %s/webhooks/mosaic\n", info.LocalURL))
	if info.PublicURL != "" {
		sb.WriteString(fmt.Sprintf("\nPublic:   %s/webhook\n", info.PublicURL))
		sb.WriteString(fmt.Sprintf("Token:    %s/webhook/<your-token>\n", info.PublicURL))
	}

	sb.WriteString("\n")
	switch {
	case info.SecretEnabled:
		sb.WriteString(fmt.Sprintf("🔐 Signature validation: ENABLED (%s)\n", info.SignatureMode))
		if info.SecretSource != "" {
			sb.WriteString(fmt.Sprintf("   Source: %s\n", info.SecretSource))
		}
	case info.RequireSecret:
		sb.WriteString("⛔ No secret configured and signatures are required:\n")
		sb.WriteString("   every webhook will be rejected\n")
	default:
		sb.WriteString("🔓 Signature validation: DISABLED\n")
		sb.WriteString("   Set --webhook-secret or MOSAIC_WEBHOOK_SECRET to enable\n")
	}
	sb.WriteString(fmt.Sprintf("History:  last %d events, %d per run", info.HistorySize, info.PerRunSize))
	if info.RateLimitActive {
		sb.WriteString("\nRate limiting: on")
	}

	p.printBox("📡 WEBHOOK LISTENER", sb.String())
}

// PrintJSON outputs a titled, indented JSON document.
func (p *Printer) PrintJSON(title string, raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	p.printBox(title, strings.TrimSuffix(buf.String(), "\n"))
}
