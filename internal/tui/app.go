// Package tui provides the terminal dashboard
package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/neutrinoguy/timeprobe/internal/config"
	"github.com/neutrinoguy/timeprobe/internal/logger"
	"github.com/neutrinoguy/timeprobe/internal/ntp"
	"github.com/neutrinoguy/timeprobe/internal/session"
)

// Colors
var (
	ColorPrimary   = tcell.ColorDodgerBlue
	ColorSecondary = tcell.ColorLightGray
	ColorSuccess   = tcell.ColorLimeGreen
	ColorWarning   = tcell.ColorOrange
	ColorDanger    = tcell.ColorRed
	ColorAccent    = tcell.ColorMediumPurple
)

const maxSampleRows = 20

// Source is what the dashboard displays and controls.
type Source interface {
	Status() ntp.SyncStatus
	Samples() []ntp.Sample
	ForceSync()
}

// App represents the TUI application
type App struct {
	app      *tview.Application
	pages    *tview.Pages
	cfg      *config.Config
	source   Source
	log      *logger.Logger
	recorder *session.Recorder
	dataDir  string

	// UI Components
	header       *tview.TextView
	footer       *tview.TextView
	statusBar    *tview.TextView
	statusPanel  *tview.TextView
	samplesTable *tview.Table
	quickLog     *tview.TextView
	logView      *tview.TextView
	configView   *tview.TextView
	sessionList  *tview.List
	helpModal    *tview.Modal

	dashboardView *tview.Flex

	// State
	currentPage string
	logChan     chan logger.LogEntry
	stop        chan struct{}
}

// NewApp creates a new TUI application. recorder may be nil.
func NewApp(cfg *config.Config, source Source, recorder *session.Recorder, dataDir string) *App {
	a := &App{
		app:      tview.NewApplication(),
		pages:    tview.NewPages(),
		cfg:      cfg,
		source:   source,
		log:      logger.GetLogger(),
		recorder: recorder,
		dataDir:  dataDir,
		stop:     make(chan struct{}),
	}

	a.setupUI()
	return a
}

// setupUI initializes all UI components
func (a *App) setupUI() {
	a.header = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	a.header.SetBackgroundColor(ColorPrimary)
	a.header.SetTextColor(tcell.ColorWhite)

	a.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	a.footer.SetText(" [yellow]F1[white] Dashboard │ [yellow]F2[white] Logs │ [yellow]F3[white] Config │ [yellow]F5[white] Sessions │ [yellow]Ctrl+U[white] Sync │ [yellow]Ctrl+R[white] Record │ [yellow]q[white] Quit │ [yellow]?[white] Help ")
	a.footer.SetBackgroundColor(tcell.ColorDarkSlateGray)

	a.statusBar = tview.NewTextView().SetDynamicColors(true)

	a.createDashboardView()
	a.createLogView()
	a.createConfigView()
	a.createSessionPanel()
	a.createHelpModal()

	a.pages.AddPage("dashboard", a.dashboardView, true, true)
	a.pages.AddPage("logs", a.logView, true, false)
	a.pages.AddPage("config", a.configView, true, false)
	a.pages.AddPage("sessions", a.sessionList, true, false)

	mainFlex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.header, 3, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false).
		AddItem(a.footer, 1, 0, false)

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(mainFlex, true)

	a.currentPage = "dashboard"
	a.updateHeader()
	a.refresh()
}

// createDashboardView creates the main dashboard
func (a *App) createDashboardView() {
	a.statusPanel = tview.NewTextView().SetDynamicColors(true)
	a.statusPanel.SetBorder(true)
	a.statusPanel.SetTitle(" Sync Status ")
	a.statusPanel.SetBorderColor(ColorAccent)

	a.samplesTable = tview.NewTable().SetFixed(1, 0)
	a.samplesTable.SetBorder(true)
	a.samplesTable.SetTitle(" Samples ")
	a.samplesTable.SetBorderColor(ColorSuccess)

	a.quickLog = tview.NewTextView().SetDynamicColors(true)
	a.quickLog.SetBorder(true)
	a.quickLog.SetTitle(" Recent Logs ")
	a.quickLog.SetBorderColor(ColorWarning)
	a.quickLog.SetScrollable(true)

	topRow := tview.NewFlex().
		AddItem(a.statusPanel, 44, 0, false).
		AddItem(a.samplesTable, 0, 1, false)

	a.dashboardView = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(topRow, 14, 0, false).
		AddItem(a.quickLog, 0, 1, false)
}

// createLogView creates the log viewer
func (a *App) createLogView() {
	a.logView = tview.NewTextView().SetDynamicColors(true)
	a.logView.SetScrollable(true)
	a.logView.SetBorder(true)
	a.logView.SetTitle(" Logs [Ctrl+C to clear, Ctrl+E to export] ")
	a.logView.SetBorderColor(ColorPrimary)
}

// createConfigView shows the active configuration
func (a *App) createConfigView() {
	a.configView = tview.NewTextView()
	a.configView.SetScrollable(true)
	a.configView.SetBorder(true)
	a.configView.SetTitle(" Configuration ")
	a.configView.SetBorderColor(ColorWarning)
	a.reloadConfigView()
}

// createSessionPanel lists recorded sessions
func (a *App) createSessionPanel() {
	a.sessionList = tview.NewList().
		SetHighlightFullLine(true).
		SetSelectedBackgroundColor(ColorPrimary)
	a.sessionList.SetBorder(true)
	a.sessionList.SetTitle(" Sessions [Ctrl+R to record] ")
}

// createHelpModal creates the help modal
func (a *App) createHelpModal() {
	helpText := `timeprobe - NTP Clock Probe

KEYBOARD SHORTCUTS:

  F1         - Dashboard
  F2         - View Logs
  F3         - View Configuration
  F5         - Sessions
  q / F12 / Esc - Quit

  Ctrl+U     - Force Sync
  Ctrl+R     - Toggle Recording
  Ctrl+E     - Export Logs
  Ctrl+C     - Clear Logs (in log view)

Press any key to close this help.`

	a.helpModal = tview.NewModal().
		SetText(helpText).
		AddButtons([]string{"Close"}).
		SetDoneFunc(func(int, string) {
			a.pages.RemovePage("help")
		})
}

// refresh redraws the dashboard from the source
func (a *App) refresh() {
	a.statusPanel.SetText(formatStatus(a.source.Status()))
	fillSamples(a.samplesTable, a.source.Samples())

	var sb strings.Builder
	for _, entry := range a.log.GetEntries(15) {
		sb.WriteString(logger.FormatEntry(truncateEntry(entry, 80)))
		sb.WriteString("\n")
	}
	a.quickLog.SetText(sb.String())
	a.quickLog.ScrollToEnd()

	a.updateStatusBar()
}

// formatStatus renders the sync status panel
func formatStatus(st ntp.SyncStatus) string {
	if !st.Synchronized {
		errMsg := st.LastError
		if errMsg == "" {
			errMsg = "Not yet synced"
		}
		return fmt.Sprintf(`
  [yellow]● UNSYNCHRONIZED[white]

  Status: [red]%s[white]
  Polls: [cyan]%d[white] (failed %d)

  Press [yellow]Ctrl+U[white] to force sync`, errMsg, st.Polls, st.Failures)
	}

	return fmt.Sprintf(`
  [green]● SYNCHRONIZED[white]

  Server: [cyan]%s[white]
  Stratum: [cyan]%d[white]  Ref: [cyan]%s[white]
  Offset: [cyan]%v[white]
  Delay: [cyan]%v[white]
  Root distance: [cyan]%.6fs[white]
  Last Sync: [cyan]%s[white]
  Polls: [cyan]%d[white] (failed %d)`,
		st.ActiveServer,
		st.Stratum, st.ReferenceID,
		st.Offset,
		st.RTT,
		st.RootDistance,
		st.LastSync.Format("15:04:05"),
		st.Polls, st.Failures)
}

// fillSamples writes the newest samples first into table
func fillSamples(table *tview.Table, samples []ntp.Sample) {
	table.Clear()
	for col, title := range []string{"Time", "Server", "Offset", "Delay", "Stratum"} {
		table.SetCell(0, col, tview.NewTableCell(title).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false))
	}

	row := 1
	for i := len(samples) - 1; i >= 0 && row <= maxSampleRows; i-- {
		s := samples[i]
		delayColor := tcell.ColorWhite
		if s.NegativeDelay() {
			delayColor = ColorDanger
		}
		table.SetCell(row, 0, tview.NewTableCell(s.Time.Format("15:04:05")))
		table.SetCell(row, 1, tview.NewTableCell(truncate(s.Server, 28)))
		table.SetCell(row, 2, tview.NewTableCell(s.OffsetDuration().String()).SetAlign(tview.AlignRight))
		table.SetCell(row, 3, tview.NewTableCell(s.DelayDuration().String()).SetAlign(tview.AlignRight).SetTextColor(delayColor))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d", s.Stratum)).SetAlign(tview.AlignRight))
		row++
	}
}

// handleGlobalKeys handles global keyboard shortcuts
func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyF1:
		a.switchPage("dashboard")
		return nil
	case tcell.KeyF2:
		a.switchPage("logs")
		return nil
	case tcell.KeyF3:
		a.switchPage("config")
		return nil
	case tcell.KeyF5:
		a.switchPage("sessions")
		return nil
	case tcell.KeyF12, tcell.KeyEscape:
		a.confirmQuit()
		return nil
	case tcell.KeyCtrlE:
		a.exportLogs()
		return nil
	case tcell.KeyCtrlR:
		a.toggleRecording()
		return nil
	case tcell.KeyCtrlU:
		a.source.ForceSync()
		a.log.Info(logger.CategoryPoller, "Forced sync")
		return nil
	case tcell.KeyCtrlC:
		if a.currentPage == "logs" {
			a.log.ClearEntries()
			a.logView.Clear()
			return nil
		}
	case tcell.KeyRune:
		switch event.Rune() {
		case '?':
			a.showHelp()
			return nil
		case 'q':
			a.confirmQuit()
			return nil
		}
	}
	return event
}

// switchPage switches to a different page
func (a *App) switchPage(name string) {
	a.pages.SwitchToPage(name)
	a.currentPage = name
	a.updateHeader()

	switch name {
	case "config":
		a.reloadConfigView()
	case "sessions":
		a.reloadSessions()
	}
}

func (a *App) reloadConfigView() {
	yaml, err := a.cfg.GetYAML()
	if err != nil {
		a.log.Errorf(logger.CategorySystem, "Failed to render config: %v", err)
		return
	}
	a.configView.SetText(yaml)
}

func (a *App) sessionDir() string {
	return filepath.Join(a.dataDir, config.SessionDirName)
}

func (a *App) reloadSessions() {
	a.sessionList.Clear()
	sessions, err := session.List(a.sessionDir())
	if err != nil {
		a.log.Errorf(logger.CategorySession, "Failed to list sessions: %v", err)
		return
	}
	if len(sessions) == 0 {
		a.sessionList.AddItem("No sessions recorded", "Press Ctrl+R to start recording", 0, nil)
		return
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		s := sessions[i]
		secondary := fmt.Sprintf("%s │ %d exchanges, %d failed, min delay %.6fs",
			s.StartTime.Format("2006-01-02 15:04:05"), s.Stats.TotalExchanges, s.Stats.Failures, s.Stats.MinDelay)
		a.sessionList.AddItem(orDefault(s.Description, s.ID), secondary, 0, nil)
	}
}

// exportLogs exports logs to the data directory
func (a *App) exportLogs() {
	name := fmt.Sprintf("logs_%s.json", time.Now().Format("20060102_150405"))
	path := filepath.Join(a.dataDir, name)
	if err := a.log.ExportJSON(path); err != nil {
		a.log.Errorf(logger.CategorySystem, "Failed to export logs: %v", err)
		return
	}
	a.log.Infof(logger.CategorySystem, "Exported logs to %s", path)
}

// toggleRecording toggles session recording
func (a *App) toggleRecording() {
	if a.recorder == nil {
		a.log.Warn(logger.CategorySession, "Recording is not available")
		return
	}
	if a.recorder.IsRecording() {
		sess, err := a.recorder.Stop()
		if err != nil {
			a.log.Errorf(logger.CategorySession, "Failed to stop recording: %v", err)
		} else {
			a.log.Infof(logger.CategorySession, "Recording stopped, saved as %s (%d exchanges)", sess.ID, len(sess.Events))
		}
	} else {
		if err := a.recorder.Start("Dashboard recording"); err != nil {
			a.log.Errorf(logger.CategorySession, "Failed to start recording: %v", err)
		} else {
			a.log.Info(logger.CategorySession, "Recording started")
		}
	}
	a.updateStatusBar()
}

// showHelp shows the help modal
func (a *App) showHelp() {
	a.pages.AddPage("help", a.helpModal, true, true)
}

// confirmQuit confirms before quitting
func (a *App) confirmQuit() {
	modal := tview.NewModal().
		SetText("Are you sure you want to quit?").
		AddButtons([]string{"Quit", "Cancel"}).
		SetDoneFunc(func(_ int, buttonLabel string) {
			if buttonLabel == "Quit" {
				a.app.Stop()
			} else {
				a.pages.RemovePage("confirm_quit")
			}
		})
	a.pages.AddPage("confirm_quit", modal, true, true)
}

// updateHeader updates the header text
func (a *App) updateHeader() {
	pageNames := map[string]string{
		"dashboard": "Dashboard",
		"logs":      "Logs",
		"config":    "Configuration",
		"sessions":  "Sessions",
	}
	a.header.SetText(fmt.Sprintf("\ntimeprobe - NTP Clock Probe │ %s\n", pageNames[a.currentPage]))
}

// updateStatusBar updates the status bar
func (a *App) updateStatusBar() {
	st := a.source.Status()
	status := "[gray]Sync: "
	if st.Synchronized {
		status += fmt.Sprintf("[green]SYNCED[white] (%s, offset %v)", st.ActiveServer, st.Offset)
	} else {
		status += "[yellow]UNSYNCED[white]"
	}
	if a.recorder != nil && a.recorder.IsRecording() {
		status += " │ [red]● RECORDING[white]"
	}
	a.statusBar.SetText(status)
}

// handleLogUpdates appends new log entries to the log view
func (a *App) handleLogUpdates() {
	for entry := range a.logChan {
		line := logger.FormatEntry(entry) + "\n"
		a.app.QueueUpdateDraw(func() {
			fmt.Fprint(a.logView, line)
			a.logView.ScrollToEnd()
		})
	}
}

// refreshLoop redraws the dashboard periodically
func (a *App) refreshLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.app.QueueUpdateDraw(a.refresh)
		case <-a.stop:
			return
		}
	}
}

// Run runs the TUI application until the user quits
func (a *App) Run() error {
	a.logChan = a.log.Subscribe()
	go a.handleLogUpdates()
	go a.refreshLoop()

	defer func() {
		close(a.stop)
		a.log.Unsubscribe(a.logChan)
	}()
	return a.app.Run()
}

// Helper functions

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func truncateEntry(e logger.LogEntry, max int) logger.LogEntry {
	e.Message = truncate(e.Message, max)
	return e
}
