package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"protoscale/internal/engine"
	"protoscale/internal/history"
)

var (
	accent = lipgloss.Color("#50E3C2")
	muted  = lipgloss.Color("#7A8B99")
	border = lipgloss.Color("#2D6A80")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	labelStyle = lipgloss.NewStyle().Foreground(muted).Width(12)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#7ED957"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F5A623"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F56")).Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1)

	titleCase = cases.Title(language.English)
)

// statusText renders a backend status word as a styled, capitalized label.
func statusText(s string) string {
	return statusStyle(s).Render(titleCase.String(s))
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func progressBar(pct, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := pct * width / 100
	return lipgloss.NewStyle().Foreground(accent).Render(strings.Repeat("█", filled)) +
		lipgloss.NewStyle().Foreground(border).Render(strings.Repeat("░", width-filled)) +
		fmt.Sprintf(" %3d%%", pct)
}

func statusStyle(s string) lipgloss.Style {
	switch s {
	case "completed":
		return okStyle
	case "failed":
		return errStyle
	case "processing", "queued", "cancelling", "uploading":
		return warnStyle
	}
	return lipgloss.NewStyle()
}

func renderState(st engine.State, adm engine.Admission, eta string) string {
	lines := []string{titleStyle.Render("ProtoScale · " + st.Step.String())}
	if st.Job.ID == "" {
		lines = append(lines, row("job", lipgloss.NewStyle().Foreground(muted).Render("none")))
	} else {
		lines = append(lines,
			row("job", st.Job.ID),
			row("status", statusText(string(st.Job.Status))),
			row("preset", string(st.Job.QualityPreset)),
		)
		if st.UI.Current != engine.StageNone {
			lines = append(lines, row("stage", string(st.UI.Current)))
		}
		if st.IsProcessing || st.Job.Status == engine.StatusCompleted {
			lines = append(lines, row("progress", progressBar(st.Job.Progress, 24)))
		}
		if st.Job.Error != "" {
			lines = append(lines, row("error", errStyle.Render(st.Job.Error)))
		}
		if st.ModelURL != "" {
			lines = append(lines, row("model", st.ModelURL))
		}
	}
	if st.Texture.Status != engine.TextureIdle {
		tex := statusText(string(st.Texture.Status))
		if st.Texture.Status.Active() {
			tex += "  " + progressBar(st.Texture.Progress, 16) + "  " + eta
		}
		lines = append(lines, row("texture", tex))
		if st.Texture.Error != "" {
			lines = append(lines, row("", errStyle.Render(st.Texture.Error)))
		}
	}
	if bg := st.Background; bg.Active() {
		lines = append(lines, row("background", fmt.Sprintf("%s %s %s", bg.Type, bg.JobID, progressBar(bg.Progress, 16))))
	}
	if adm.Allowed {
		lines = append(lines, row("new job", okStyle.Render("allowed")))
	} else {
		lines = append(lines, row("new job", warnStyle.Render(adm.Reason)))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderHistory(items []history.Item, online, known bool) string {
	if len(items) == 0 {
		msg := "No models yet"
		if known && !online {
			msg = "Backend offline"
		}
		return lipgloss.NewStyle().Foreground(muted).Render(msg)
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(muted)
	cols := []int{14, 14, 8, 18, 26}
	cell := func(w int, s string) string { return lipgloss.NewStyle().Width(w).Render(s) }
	out := []string{lipgloss.JoinHorizontal(lipgloss.Top,
		header.Render(cell(cols[0], "JOB")), header.Render(cell(cols[1], "NAME")),
		header.Render(cell(cols[2], "PRESET")), header.Render(cell(cols[3], "STATUS")),
		header.Render(cell(cols[4], "CREATED")))}
	for _, it := range items {
		status := string(it.Status)
		if it.Status == history.StatusInProgress {
			status = fmt.Sprintf("%s %d%%", it.Type, it.Progress)
		}
		if it.Deprecated {
			status += " (old)"
		}
		out = append(out, lipgloss.JoinHorizontal(lipgloss.Top,
			cell(cols[0], it.JobID), cell(cols[1], it.Name), cell(cols[2], it.QualityPreset),
			statusStyle(string(it.Status)).Render(cell(cols[3], status)), cell(cols[4], it.CreatedAt)))
	}
	return strings.Join(out, "\n")
}

func renderEvent(ev engine.Event) string {
	if ev.Name != engine.EventNotify {
		return lipgloss.NewStyle().Foreground(muted).Render(fmt.Sprintf("· %s %s", ev.Name, ev.JobID))
	}
	title, _ := ev.Fields["title"].(string)
	msg, _ := ev.Fields["message"].(string)
	style := okStyle
	if kind, _ := ev.Fields["kind"].(string); kind == "error" {
		style = errStyle
	}
	line := style.Render(title)
	if msg != "" {
		line += " " + msg
	}
	if action, _ := ev.Fields["action"].(string); action != "" {
		line += lipgloss.NewStyle().Foreground(muted).Render(fmt.Sprintf("  (protoscale open %s)", ev.JobID))
	}
	return line
}
