package main

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/artpar/freighter/internal/core/invoice"
	"github.com/artpar/freighter/internal/core/manifest"
	"github.com/artpar/freighter/internal/shell/docker"
	"github.com/artpar/freighter/internal/shell/history"
)

var styles = struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
}{
	title:   lipgloss.NewStyle().Bold(true),
	muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	success: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	failure: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
}

func printOutcome(w io.Writer, inv *invoice.Invoice, ok bool, elapsed time.Duration) {
	target := inv.TargetService().Alias
	where := inv.Environment
	if inv.DataCenter != "" {
		where = inv.DataCenter + "/" + where
	}
	line := fmt.Sprintf("%s %s to %s", inv.Action, target, where)
	if ok {
		fmt.Fprintln(w, styles.success.Render("✓ "+line+" succeeded"), styles.muted.Render(elapsed.Round(time.Millisecond).String()))
		return
	}
	fmt.Fprintln(w, styles.failure.Render("✗ "+line+" failed"), styles.muted.Render(elapsed.Round(time.Millisecond).String()))
}

func printVersions(w io.Writer, engine *docker.Version) {
	rows := [][]string{
		{"freighter", Version, GitSHA},
		{"go", runtime.Version(), runtime.GOOS + "/" + runtime.GOARCH},
	}
	if engine != nil {
		rows = append(rows, []string{"docker", engine.Version, "api " + engine.APIVersion})
	} else {
		rows = append(rows, []string{"docker", "unavailable", ""})
	}
	fmt.Fprintln(w, table.New().
		Border(lipgloss.NormalBorder()).
		Headers("COMPONENT", "VERSION", "DETAIL").
		Rows(rows...).
		String())
}

func printManifest(w io.Writer, m *manifest.Manifest) {
	fmt.Fprintf(w, "\n%s %s/%s\n", styles.title.Render("manifest"), m.Team, m.Project)
	fmt.Fprintf(w, "%s %s\n", styles.muted.Render("services:"), strings.Join(m.ServiceNames(), ", "))

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ENVIRONMENT", "DATA CENTERS")
	for _, env := range m.EnvironmentNames() {
		dcs := m.DataCenterNames(env)
		if len(dcs) == 0 {
			t.Row(env, "-")
			continue
		}
		t.Row(env, strings.Join(dcs, ", "))
	}
	fmt.Fprintln(w, t.String())
}

func printRuns(w io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, styles.muted.Render("no runs recorded"))
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN", "STARTED", "ACTION", "TARGET", "SERVICE", "STATUS", "DURATION")
	for _, run := range runs {
		target := run.Environment
		if run.DataCenter != "" {
			target = run.DataCenter + "/" + target
		}
		duration := "-"
		if run.FinishedAt != nil {
			duration = run.Duration().Round(time.Millisecond).String()
		}
		t.Row(
			shortID(run.ID),
			run.StartedAt.Local().Format(time.DateTime),
			run.Action,
			target,
			run.Service,
			string(run.Status),
			duration,
		)
	}
	fmt.Fprintln(w, t.String())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
