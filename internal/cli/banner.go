package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/rtreit/stockripperv2/a2a"
)

var (
	bannerTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	bannerKey    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	bannerValue  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FAFAFA"))
	bannerBorder = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#7D56F4")).Padding(0, 1)
)

type bannerRow struct {
	Key   string
	Value string
}

// printBanner writes a startup summary when w is a terminal.
func printBanner(w io.Writer, card a2a.AgentCard, peers map[string]string) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return
	}
	fmt.Fprintln(w, renderBanner(card, bannerRows(card, peers)))
}

func bannerRows(card a2a.AgentCard, peers map[string]string) []bannerRow {
	actions := make([]string, 0, len(card.Actions))
	for _, a := range card.Actions {
		actions = append(actions, a.Name+" ("+a.Mode+")")
	}
	peerNames := make([]string, 0, len(peers))
	for name := range peers {
		peerNames = append(peerNames, name)
	}
	sort.Strings(peerNames)

	return []bannerRow{
		{Key: "URL", Value: card.URL},
		{Key: "Version", Value: card.Version},
		{Key: "Tool servers", Value: orNone(card.ToolServers)},
		{Key: "Capabilities", Value: fmt.Sprintf("%d", len(card.Capabilities))},
		{Key: "Actions", Value: orNone(actions)},
		{Key: "Peers", Value: orNone(peerNames)},
	}
}

func renderBanner(card a2a.AgentCard, rows []bannerRow) string {
	var b strings.Builder
	b.WriteString(bannerTitle.Render("agent " + card.Name + " ready"))
	b.WriteString("\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "%s  %s\n", bannerKey.Width(14).Render(row.Key), bannerValue.Render(row.Value))
	}
	return bannerBorder.Render(strings.TrimRight(b.String(), "\n"))
}

func orNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
