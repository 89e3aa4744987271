package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"nameguard-service/internal/events"
	"nameguard-service/internal/ledger"
	"nameguard-service/internal/models"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	warnColor    = color.New(color.FgYellow, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	labelColor   = color.New(color.FgCyan)
)

func printSuccess(format string, args ...interface{}) {
	successColor.Fprint(os.Stdout, "✓ ")
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	warnColor.Fprint(os.Stderr, "! ")
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	errorColor.Fprint(os.Stderr, "Error: ")
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func trustColor(t ledger.TrustLevel) *color.Color {
	switch t {
	case ledger.TrustLocked:
		return color.New(color.FgMagenta, color.Bold)
	case ledger.TrustHigh:
		return color.New(color.FgGreen)
	case ledger.TrustMedium:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

// writeBinding prints one binding as an aligned block.
func writeBinding(w io.Writer, b *ledger.Binding, now time.Time) {
	row := func(label, value string) {
		labelColor.Fprintf(w, "  %-16s", label+":")
		fmt.Fprintln(w, value)
	}
	fmt.Fprintf(w, "%s\n", b.PreferredName)
	row("Key", b.Key)
	row("Edition", string(b.AccountClass))
	row("Trust", trustColor(b.Trust).Sprint(b.Trust))
	row("Fingerprints", fmt.Sprintf("%d", len(b.Fingerprints)))
	row("First seen", formatAge(b.FirstSeen, now))
	row("Last seen", formatAge(b.LastSeen, now))
	row("Playtime", b.TotalPlaytime.Round(time.Second).String())
}

func formatAge(t, now time.Time) string {
	d := now.Sub(t)
	var ago string
	switch {
	case d < time.Minute:
		ago = "just now"
	case d < time.Hour:
		ago = fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	case d < 24*time.Hour:
		ago = fmt.Sprintf("%d hours ago", int(d.Hours()))
	case d < 48*time.Hour:
		ago = "1 day ago"
	default:
		ago = fmt.Sprintf("%d days ago", int(d.Hours()/24))
	}
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), ago)
}

// exportRecord is the YAML form of a binding. Fingerprint contents stay
// out of exports; they are keyed hashes and only meaningful to the service.
type exportRecord struct {
	Key           string    `yaml:"key"`
	PreferredName string    `yaml:"preferred_name"`
	AccountClass  string    `yaml:"account_class"`
	Trust         string    `yaml:"trust"`
	Fingerprints  int       `yaml:"fingerprints"`
	FirstSeen     time.Time `yaml:"first_seen"`
	LastSeen      time.Time `yaml:"last_seen"`
	TotalPlaytime string    `yaml:"total_playtime"`
}

type exportDocument struct {
	ExportedAt time.Time      `yaml:"exported_at"`
	Bindings   []exportRecord `yaml:"bindings"`
}

func writeExport(w io.Writer, bindings []*ledger.Binding, now time.Time) error {
	doc := exportDocument{ExportedAt: now.UTC(), Bindings: make([]exportRecord, 0, len(bindings))}
	for _, b := range bindings {
		doc.Bindings = append(doc.Bindings, exportRecord{
			Key:           b.Key,
			PreferredName: b.PreferredName,
			AccountClass:  string(b.AccountClass),
			Trust:         string(b.Trust),
			Fingerprints:  len(b.Fingerprints),
			FirstSeen:     b.FirstSeen.UTC(),
			LastSeen:      b.LastSeen.UTC(),
			TotalPlaytime: b.TotalPlaytime.String(),
		})
	}
	sort.Slice(doc.Bindings, func(i, j int) bool { return doc.Bindings[i].Key < doc.Bindings[j].Key })

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return enc.Close()
}

func outcomeColor(o models.Outcome) *color.Color {
	switch o {
	case models.OutcomeAllowed:
		return successColor
	case models.OutcomeNeedsChallenge:
		return warnColor
	default:
		return errorColor
	}
}

// writeEvent prints one audit event as a single line.
func writeEvent(w io.Writer, ev events.DecisionEvent) {
	fmt.Fprintf(w, "%s %-16s %s %-22s",
		ev.Timestamp.UTC().Format(time.RFC3339),
		ev.Key,
		outcomeColor(ev.Outcome).Sprintf("%-15s", ev.Outcome),
		ev.Detail,
	)
	if ev.Similarity > 0 {
		fmt.Fprintf(w, " score=%.1f", ev.Similarity)
	}
	if ev.Provider != "" {
		fmt.Fprintf(w, " geo=%s", ev.Provider)
	}
	if ev.MaskedIP != "" {
		fmt.Fprintf(w, " ip=%s", ev.MaskedIP)
	}
	fmt.Fprintln(w)
}
