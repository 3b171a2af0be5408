package handler

import (
	"fmt"
	"strings"
	"time"

	"tip-automation/internal/model"
	"tip-automation/internal/scheduler"
	"tip-automation/internal/service"
)

const timeLayout = "2006-01-02 15:04"

// maxErrorText truncates error text in list views.
const maxErrorText = 120

func formatStatus(st *service.Status, loc *time.Location) string {
	var sb strings.Builder
	sb.WriteString("📊 Automation status\n\n")

	sb.WriteString("Jobs:\n")
	for _, j := range st.Jobs {
		sb.WriteString(formatJob(j, loc))
		sb.WriteString("\n")
	}

	if st.LastRun != nil && st.LastRun.Date != "" {
		fmt.Fprintf(&sb, "\nLast generation: %s (%d generated, %d published)\n",
			st.LastRun.Date, st.LastRun.Total, st.LastRun.Published)
	} else {
		sb.WriteString("\nLast generation: never\n")
	}

	if c := st.Counts; c != nil {
		fmt.Fprintf(&sb, "Tips: %d total, %d published, %d draft, %d premium, %d today\n",
			c.Total, c.Published, c.Draft, c.Premium, c.Today)
	}

	if len(st.Recent) > 0 {
		sb.WriteString("\nRecent runs:\n")
		sb.WriteString(formatRunLines(st.Recent, loc))
	}
	return sb.String()
}

func formatJob(j scheduler.JobInfo, loc *time.Location) string {
	icon := "⏸"
	switch j.State {
	case scheduler.StateScheduled:
		icon = "🕒"
	case scheduler.StateRunning:
		icon = "▶️"
	}

	line := fmt.Sprintf("%s %s: %s", icon, j.Name, j.State)
	switch {
	case j.Manual:
		line += " (manual only)"
	case !j.NextFire.IsZero():
		line += ", next " + j.NextFire.In(loc).Format(timeLayout)
	}
	if !j.LastRunAt.IsZero() {
		line += fmt.Sprintf(", last %s %s", j.LastRunAt.In(loc).Format(timeLayout), j.LastStatus)
	}
	if j.LastError != "" {
		line += " (" + truncate(j.LastError, maxErrorText) + ")"
	}
	return line
}

func formatSummary(sum *model.RunSummary) string {
	icon := "✅"
	if sum.Status == model.RunFailed {
		icon = "❌"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s in %s\n", icon, sum.RunType, sum.Status, sum.Duration.Round(time.Millisecond))
	if sum.Skipped {
		sb.WriteString(sum.Message)
		return sb.String()
	}
	fmt.Fprintf(&sb, "Fetched: %d\nAnnotated: %d\nAccepted: %d\nPublished: %d\nFailed: %d\n",
		sum.Fetched, sum.Annotated, sum.Accepted, sum.Published, sum.Failed)
	if sum.Message != "" {
		sb.WriteString(sum.Message + "\n")
	}
	if sum.Err != nil {
		sb.WriteString("Error: " + sum.Err.Error() + "\n")
	}
	fmt.Fprintf(&sb, "Run: %s", sum.RunID)
	return sb.String()
}

func formatRuns(records []*model.RunRecord, loc *time.Location) string {
	if len(records) == 0 {
		return "No runs recorded"
	}
	return "📜 Recent runs\n\n" + formatRunLines(records, loc)
}

func formatRunLines(records []*model.RunRecord, loc *time.Location) string {
	var sb strings.Builder
	for _, r := range records {
		icon := "✅"
		if r.Status == model.RunFailed {
			icon = "❌"
		}
		fmt.Fprintf(&sb, "%s %s %s", icon, r.CreatedAt.In(loc).Format(timeLayout), r.RunType)
		if r.Fetched > 0 || r.Accepted > 0 || r.Published > 0 {
			fmt.Fprintf(&sb, " %d/%d/%d", r.Fetched, r.Accepted, r.Published)
		}
		if r.Message != "" {
			sb.WriteString(" " + r.Message)
		}
		if e := r.ErrorText(); e != "" {
			sb.WriteString(": " + truncate(e, maxErrorText))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatTips(tips []*model.Tip, loc *time.Location) string {
	if len(tips) == 0 {
		return "No tips found"
	}
	var sb strings.Builder
	sb.WriteString("🎯 Tips\n\n")
	for _, t := range tips {
		market := string(t.BetType)
		if t.Line != nil {
			market += fmt.Sprintf(" %g", *t.Line)
		}
		premium := ""
		if t.Premium {
			premium = " ⭐"
		}
		fmt.Fprintf(&sb, "#%d fixture %d: %s @ %.2f (%d%%) %s%s\n",
			t.ID, t.FixtureID, market, t.Odds, t.Confidence, t.State, premium)
		if t.PublishedAt != nil {
			fmt.Fprintf(&sb, "   published %s\n", t.PublishedAt.In(loc).Format(timeLayout))
		}
	}
	return sb.String()
}

func formatTipDetail(t *model.Tip, a *model.TipAnalysis, loc *time.Location) string {
	var sb strings.Builder
	sb.WriteString(formatTips([]*model.Tip{t}, loc))
	if t.IsSandbox() {
		sb.WriteString("   sandbox\n")
	}
	if t.Explanation != "" {
		fmt.Fprintf(&sb, "\n%s\n", t.Explanation)
	}
	if a == nil {
		sb.WriteString("\nNo analysis attached")
		return sb.String()
	}
	fmt.Fprintf(&sb, "\nValue %.1f/10, implied %.0f%%, model %.0f%%\n",
		a.ValueRating, a.ImpliedProbability*100, a.ModelProbability*100)
	if a.MarketMovement != "" {
		fmt.Fprintf(&sb, "Market: %s\n", a.MarketMovement)
	}
	if len(a.RiskFactors) > 0 {
		fmt.Fprintf(&sb, "Risks: %s\n", strings.Join(a.RiskFactors, ", "))
	}
	return sb.String()
}

func formatUsage(usage []*model.ProviderUsage, window time.Duration) string {
	header := fmt.Sprintf("📈 Provider usage (last %s)\n\n", window)
	if len(usage) == 0 {
		return header + "No provider calls"
	}
	var sb strings.Builder
	sb.WriteString(header)
	for _, u := range usage {
		fmt.Fprintf(&sb, "%s: %d calls, %d failures over %d runs\n", u.Provider, u.Calls, u.Failures, u.Runs)
	}
	return sb.String()
}

func formatConfig(entries []*model.ConfigEntry) string {
	if len(entries) == 0 {
		return "No config stored"
	}
	var sb strings.Builder
	sb.WriteString("⚙️ Config\n\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s = %s\n", e.Key, e.Value)
	}
	return sb.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
