package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"pillbot/internal/medication"
	"pillbot/internal/remind"
	"pillbot/internal/transport"
	"pillbot/pkg/logx"
)

func menuCommands() []transport.BotCommand {
	return []transport.BotCommand{
		{Command: "status", Description: "Scheduler and reminder health"},
		{Command: "meds", Description: "Configured medications and due dates"},
		{Command: "fix", Description: "Remove orphaned reminder records"},
		{Command: "rebuild", Description: "Cancel and reschedule everything"},
		{Command: "help", Description: "List commands"},
	}
}

const helpText = `Commands:
/status - scheduler and reminder health
/meds - configured medications and due dates
/fix - remove orphaned reminder records
/rebuild - cancel and reschedule everything
/help - this list`

// dispatchLoop consumes telegram updates and routes owner commands. Anything
// from a non-owner is dropped silently.
func (a *App) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-a.updates:
			if !ok {
				return
			}
			msg := up.Message
			if msg == nil || !strings.HasPrefix(msg.Text, "/") {
				continue
			}
			if !a.isOwner(msg.FromID) {
				a.log.Debug("ignoring command from non-owner",
					logx.Int64("from_id", msg.FromID),
					logx.String("username", msg.FromUsername),
				)
				continue
			}
			a.handleCommand(ctx, msg, parseCommand(msg.Text))
		}
	}
}

// parseCommand turns "/Fix@pillbot now" into "fix".
func parseCommand(text string) string {
	cmd, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	cmd = strings.TrimPrefix(cmd, "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

func (a *App) handleCommand(ctx context.Context, msg *transport.Message, cmd string) {
	start := time.Now()
	var reply string
	switch cmd {
	case "help", "start":
		reply = helpText
	case "status":
		reply = a.statusReply(ctx)
	case "meds":
		reply = a.medsReply()
	case "fix":
		reply = a.fixReply(ctx)
	case "rebuild":
		reply = a.rebuildReply(ctx)
	default:
		reply = fmt.Sprintf("Unknown command /%s. Try /help.", cmd)
	}

	target := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if _, err := a.adapter.SendText(ctx, target, reply, nil); err != nil {
		a.log.Warn("command reply failed",
			logx.String("command", cmd),
			logx.Int64("chat_id", msg.ChatID),
			logx.Err(err),
		)
		return
	}
	a.log.Debug("command handled",
		logx.String("command", cmd),
		logx.Duration("took", time.Since(start)),
	)
}

func (a *App) statusReply(ctx context.Context) string {
	var b strings.Builder

	snap := a.sched.Snapshot()
	fmt.Fprintf(&b, "Scheduler: %d registrations, device zone %s\n", snap.Registrations, snap.Timezone)

	cfg := a.cfgm.Get()
	sum, err := a.rec.Summarize(ctx, remind.SelectEntries(cfg.Entries()))
	switch {
	case err != nil:
		fmt.Fprintf(&b, "Reconciliation: failed (%v)\n", err)
	case sum.TableMissing:
		b.WriteString("Reconciliation: mapping table missing, run /rebuild\n")
	case sum.Missing == 0 && sum.Orphaned == 0:
		fmt.Fprintf(&b, "Reconciliation: %d mappings, all matched\n", sum.StoredMappings)
	default:
		fmt.Fprintf(&b, "Reconciliation: %d mappings, %d missing from scheduler, %d orphaned\n",
			sum.StoredMappings, sum.Missing, sum.Orphaned)
		for _, it := range sum.Items {
			if it.Status == remind.StatusMatched {
				continue
			}
			fmt.Fprintf(&b, "  %s %s %s @ %s\n",
				it.Status, it.Mapping.Type, mappingSubject(it), it.Mapping.ScheduledAt.Format("15:04"))
		}
	}

	if fired := snap.History; len(fired) > 0 {
		b.WriteString("Recently fired:\n")
		from := 0
		if len(fired) > 5 {
			from = len(fired) - 5
		}
		for _, f := range fired[from:] {
			fmt.Fprintf(&b, "  %s %s (%s)\n", f.At.Format("Jan 2 15:04"), f.Title, f.Type)
		}
	}

	if sent := a.notif.Snapshot(); len(sent) > 0 {
		last := sent[len(sent)-1]
		fmt.Fprintf(&b, "Last delivery: %s (%s ago)\n",
			firstLine(last.Text), time.Since(last.At).Round(time.Second))
	}
	return strings.TrimRight(b.String(), "\n")
}

func mappingSubject(it remind.MappingStatus) string {
	if it.Mapping.IsGrouped {
		return "group " + it.Mapping.GroupKey
	}
	if it.Mapping.MedicationName != "" {
		return it.Mapping.MedicationName
	}
	return it.Mapping.NotificationID
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func (a *App) medsReply() string {
	cfg := a.cfgm.Get()
	entries := cfg.Entries()
	if len(entries) == 0 {
		return "No medications configured."
	}
	sorted := append([]remind.MedicationWithPrefs(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Medication.Name < sorted[j].Medication.Name
	})

	var b strings.Builder
	for _, mp := range sorted {
		m := mp.Medication
		fmt.Fprintf(&b, "%s (%s", m.Name, m.Kind)
		if !m.Active {
			b.WriteString(", inactive")
		}
		b.WriteString(")\n")

		switch m.Frequency {
		case medication.FrequencyDaily:
			for _, sc := range dailySchedules(m) {
				fmt.Fprintf(&b, "  %s %s, %s", sc.Time, sc.Timezone, m.DoseLabel(sc.Dosage))
				if flags := prefFlags(mp.Prefs); flags != "" {
					b.WriteString(" [" + flags + "]")
				}
				b.WriteByte('\n')
			}
		default:
			for _, sc := range m.Schedules {
				last, err := medication.ParseLastTaken(sc.Time)
				if err != nil {
					fmt.Fprintf(&b, "  last taken %q: %v\n", sc.Time, err)
					continue
				}
				due, known := medication.NextDue(last, m.Frequency)
				if !known {
					fmt.Fprintf(&b, "  last taken %s, next due unknown\n", last.Format("2006-01-02"))
					continue
				}
				mark := ""
				if due.Before(time.Now()) {
					mark = " (overdue)"
				}
				fmt.Fprintf(&b, "  last taken %s, next due %s%s\n",
					last.Format("2006-01-02"), due.Format("2006-01-02"), mark)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func prefFlags(p medication.Prefs) string {
	var flags []string
	if p.CriticalAlerts {
		flags = append(flags, "critical")
	} else if p.TimeSensitive {
		flags = append(flags, "time-sensitive")
	}
	if p.FollowUpEnabled() {
		flags = append(flags, fmt.Sprintf("follow-up %dm", p.FollowUpDelayMin))
	}
	return strings.Join(flags, ", ")
}

func (a *App) fixReply(ctx context.Context) string {
	cfg := a.cfgm.Get()
	fixed, stale, err := a.rec.FixInconsistencies(ctx, remind.SelectEntries(cfg.Entries()))
	if err != nil {
		return fmt.Sprintf("Fix failed: %v", err)
	}
	if fixed == 0 {
		return "Nothing to fix."
	}
	return fmt.Sprintf("Removed %d orphaned record(s): %s", fixed, strings.Join(stale, ", "))
}

func (a *App) rebuildReply(ctx context.Context) string {
	cfg := a.cfgm.Get()
	checkin, err := cfg.Checkin()
	if err != nil {
		return fmt.Sprintf("Rebuild failed: %v", err)
	}
	stats, err := a.rec.RebuildAll(ctx, cfg.Entries(), checkin)
	if err != nil {
		return fmt.Sprintf("Rebuild failed: %v", err)
	}
	if stats.Failed > 0 {
		return fmt.Sprintf("Rebuilt %d unit(s): %d registration(s) scheduled, %d failed. Check /status.",
			stats.Units, stats.Scheduled, stats.Failed)
	}
	return fmt.Sprintf("Rebuilt %d unit(s): %d registration(s) scheduled.", stats.Units, stats.Scheduled)
}
