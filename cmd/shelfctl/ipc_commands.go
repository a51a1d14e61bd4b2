// Package main provides the IPC-backed commands for shelfctl.
//
// Every command talks to a running shelfd daemon over the control
// socket. history falls back to reading the journal directly when the
// daemon is not running.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"shelfd/internal/config"
	"shelfd/internal/ipc"
	"shelfd/internal/store"
)

// dial connects to the daemon or exits with a hint.
func dial() *ipc.IPCClient {
	client, err := ipc.DialClient(shelfdDir(), "shelfctl")
	if err != nil {
		printError(fmt.Sprintf("Cannot connect to daemon: %v", err))
		fmt.Fprintf(os.Stderr, "  %sTip%s: start the daemon with: shelfd run\n", c.Dim, c.Reset)
		os.Exit(1)
	}
	return client
}

func dumpJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func cmdStatus() {
	client := dial()
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		printError(fmt.Sprintf("Failed to get status: %v", err))
		os.Exit(1)
	}

	if *jsonOut {
		dumpJSON(status)
		return
	}

	printSection("DAEMON")
	fmt.Printf("  %sVersion%s     %s%s%s\n", c.Dim, c.Reset, c.Cyan, status.Version, c.Reset)
	fmt.Printf("  %sUptime%s      %s\n", c.Dim, c.Reset, status.Uptime.Round(time.Second))
	fmt.Printf("  %sStarted%s     %s\n", c.Dim, c.Reset, status.StartedAt.Format(time.RFC3339))
	fmt.Printf("  %sHealth%s      %s\n", c.Dim, c.Reset, colorHealth(status.Health))
	if status.SessionActive {
		fmt.Printf("  %sSession%s     active\n", c.Dim, c.Reset)
	} else {
		fmt.Printf("  %sSession%s     %spaused%s\n", c.Dim, c.Reset, c.Yellow, c.Reset)
	}

	printSection("SENSOR")
	if status.Monitoring {
		fmt.Printf("  %sSensing%s     %s%sACTIVE%s\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset)
	} else {
		fmt.Printf("  %sSensing%s     %sSTOPPED%s\n", c.Dim, c.Reset, c.Yellow, c.Reset)
	}
	avail := "yes"
	if !status.SensorAvailable {
		avail = "no"
	}
	if status.SensorDetail != "" {
		fmt.Printf("  %sAvailable%s   %s (%s)\n", c.Dim, c.Reset, avail, status.SensorDetail)
	} else {
		fmt.Printf("  %sAvailable%s   %s\n", c.Dim, c.Reset, avail)
	}
	if status.ActiveDrag {
		fmt.Printf("  %sDrag%s        in progress, %d file(s)\n", c.Dim, c.Reset, status.FileCount)
	}

	printSection("SHELF")
	fmt.Printf("  %sState%s       %s%s%s\n", c.Dim, c.Reset, c.Cyan, status.State, c.Reset)
	if status.Context.ActiveShelfID != "" {
		fmt.Printf("  %sActive%s      %s\n", c.Dim, c.Reset, status.Context.ActiveShelfID)
	}
	for _, sh := range status.Shelves {
		flags := shelfFlags(sh.Pinned, false)
		fmt.Printf("  %s%s%s  %d item(s)", c.Cyan, sh.ID, c.Reset, sh.ItemCount)
		if sh.MissingItems > 0 {
			fmt.Printf(" %s(%d missing)%s", c.Yellow, sh.MissingItems, c.Reset)
		}
		if flags != "" {
			fmt.Printf("  %s", flags)
		}
		fmt.Printf("  %ssince %s%s\n", c.Dim, sh.CreatedAt.Format("15:04:05"), c.Reset)
	}

	fmt.Println()
}

func cmdPing() {
	client, err := ipc.DialClient(shelfdDir(), "shelfctl")
	if err != nil {
		fmt.Printf("  %sDaemon%s  %s%sNOT RUNNING%s\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset)
		os.Exit(1)
	}
	defer client.Close()

	start := time.Now()
	if err := client.Ping(); err != nil {
		fmt.Printf("  %sDaemon%s  %s%sNOT RESPONDING%s (%v)\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset, err)
		os.Exit(1)
	}
	latency := time.Since(start)

	fmt.Printf("  %sDaemon%s  %s%sRUNNING%s (latency: %s)\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset, latency.Round(time.Microsecond))
}

func cmdState() {
	client := dial()
	defer client.Close()

	resp, err := client.ShelfState()
	if err != nil {
		printError(fmt.Sprintf("Failed to get state: %v", err))
		os.Exit(1)
	}

	if *jsonOut {
		dumpJSON(resp)
		return
	}

	printSection("STATE MACHINE")
	fmt.Printf("  %sState%s         %s%s%s\n", c.Dim, c.Reset, c.Cyan, resp.State, c.Reset)
	fmt.Printf("  %sDragging%s      %s\n", c.Dim, c.Reset, yesNo(resp.Context.IsDragging))
	if resp.Context.ActiveShelfID != "" {
		fmt.Printf("  %sActive shelf%s  %s\n", c.Dim, c.Reset, resp.Context.ActiveShelfID)
		fmt.Printf("  %sHas items%s     %s\n", c.Dim, c.Reset, yesNo(resp.Context.HasItems))
		fmt.Printf("  %sDrop%s          %s\n", c.Dim, c.Reset, yesNo(resp.Context.DropInProgress))
		fmt.Printf("  %sAuto-hide%s     %s\n", c.Dim, c.Reset, yesNo(resp.Context.AutoHideScheduled))
	}
	if resp.RejectedEvents > 0 {
		fmt.Printf("  %sRejected%s      %s%d%s\n", c.Dim, c.Reset, c.Yellow, resp.RejectedEvents, c.Reset)
	}
	fmt.Println()
}

func cmdFiles() {
	client := dial()
	defer client.Close()

	resp, err := client.SensorFiles()
	if err != nil {
		printError(fmt.Sprintf("Failed to get drag payload: %v", err))
		os.Exit(1)
	}

	if *jsonOut {
		dumpJSON(resp)
		return
	}

	if !resp.ActiveDrag {
		fmt.Printf("  %sNo drag in progress.%s\n", c.Dim, c.Reset)
		return
	}

	printSection("DRAG PAYLOAD")
	fmt.Printf("  %sFiles%s  %d\n\n", c.Dim, c.Reset, resp.FileCount)
	for _, f := range resp.Files {
		marker := " "
		if f.IsDirectory {
			marker = "d"
		}
		fmt.Printf("  %s %-40s %10s", marker, f.Name, formatBytes(f.SizeBytes))
		if !f.Exists {
			fmt.Printf("  %smissing%s", c.Red, c.Reset)
		}
		fmt.Println()
	}
	fmt.Println()
}

func cmdHealth() {
	client := dial()
	defer client.Close()

	resp, err := client.HealthStatus()
	if err != nil {
		printError(fmt.Sprintf("Failed to get health: %v", err))
		os.Exit(1)
	}

	if *jsonOut {
		dumpJSON(resp)
		return
	}

	printSection("HEALTH")
	fmt.Printf("  %sStatus%s       %s\n", c.Dim, c.Reset, colorHealth(resp.Status))
	fmt.Printf("  %sEvents%s       %d\n", c.Dim, c.Reset, resp.Watchdog.EventsProcessed)
	fmt.Printf("  %sErrors%s       %d\n", c.Dim, c.Reset, resp.Watchdog.ErrorsCount)
	fmt.Printf("  %sAvg latency%s  %.2f ms\n", c.Dim, c.Reset, resp.Watchdog.AvgLatencyMs)
	if !resp.Watchdog.LastEventTime.IsZero() {
		fmt.Printf("  %sLast event%s   %s ago\n", c.Dim, c.Reset, time.Since(resp.Watchdog.LastEventTime).Round(time.Second))
	}

	if len(resp.Modules) > 0 {
		printSection("MODULES")
		names := make([]string, 0, len(resp.Modules))
		for name := range resp.Modules {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			m := resp.Modules[name]
			state := c.Green + "responding" + c.Reset
			if !m.Responding {
				state = c.Bold + c.Red + "STALLED" + c.Reset
			}
			fmt.Printf("  %-10s %s", name, state)
			if m.ErrorCount > 0 {
				fmt.Printf("  %s%d error(s)%s", c.Yellow, m.ErrorCount, c.Reset)
			}
			if !m.LastActivity.IsZero() {
				fmt.Printf("  %slast activity %s ago%s", c.Dim, time.Since(m.LastActivity).Round(time.Second), c.Reset)
			}
			fmt.Println()
		}
	}
	fmt.Println()
}

func cmdMetrics() {
	client := dial()
	defer client.Close()

	resp, err := client.HealthMetrics()
	if err != nil {
		printError(fmt.Sprintf("Failed to get metrics: %v", err))
		os.Exit(1)
	}

	if *jsonOut {
		dumpJSON(resp.Metrics)
		return
	}

	keys := make([]string, 0, len(resp.Metrics))
	for k := range resp.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	printSection("METRICS")
	for _, k := range keys {
		fmt.Printf("  %-28s %v\n", k, resp.Metrics[k])
	}
	fmt.Println()
}

func cmdHistory(args []string) {
	kind := "drags"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		kind = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "maximum records")
	since := fs.Duration("since", 0, "only records newer than this age (e.g. 24h)")
	fs.Parse(args)

	var sinceNs int64
	if *since > 0 {
		sinceNs = time.Now().Add(-*since).UnixNano()
	}

	client, err := ipc.DialClient(shelfdDir(), "shelfctl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "  %sDaemon not running; reading the journal directly.%s\n", c.Dim, c.Reset)
		renderHistory(readJournalLocal(kind, *limit, sinceNs))
		return
	}
	defer client.Close()

	resp, err := client.JournalHistory(kind, *limit, sinceNs, 0)
	if err != nil {
		printError(fmt.Sprintf("Failed to get history: %v", err))
		os.Exit(1)
	}
	renderHistory(resp)
}

// readJournalLocal opens the journal database without the daemon.
func readJournalLocal(kind string, limit int, sinceNs int64) *ipc.JournalHistoryResponse {
	cfg := loadLocalConfig()
	if !cfg.Journal.Enabled {
		printError("journal is disabled in the configuration")
		os.Exit(1)
	}

	st, err := store.Open(cfg.Journal.Path)
	if err != nil {
		printError(fmt.Sprintf("Cannot open journal: %v", err))
		os.Exit(1)
	}
	defer st.Close()

	resp := &ipc.JournalHistoryResponse{Kind: kind}
	untilNs := time.Now().UnixNano()

	switch kind {
	case "drags":
		var rows []store.DragSession
		if sinceNs > 0 {
			rows, err = st.GetDragSessions(sinceNs, untilNs)
		} else {
			rows, err = st.RecentDragSessions(limit)
		}
		if err == nil {
			for _, r := range rows {
				resp.Drags = append(resp.Drags, ipc.DragRecord{
					ID:               r.ID,
					StartedNs:        r.StartedNs,
					EndedNs:          r.EndedNs,
					Distance:         r.Distance,
					MoveCount:        r.MoveCount,
					DirectionChanges: r.DirectionChanges,
					MaxVelocity:      r.MaxVelocity,
					AvgVelocity:      r.AvgVelocity,
					FileCount:        r.FileCount,
					ShakeDetected:    r.ShakeDetected,
				})
			}
			resp.Total = len(resp.Drags)
		}
	case "shelves":
		var rows []store.ShelfSession
		if sinceNs > 0 {
			rows, err = st.GetShelfSessions(sinceNs, untilNs)
		} else {
			rows, err = st.RecentShelfSessions(limit)
		}
		if err == nil {
			for _, r := range rows {
				resp.Shelves = append(resp.Shelves, ipc.ShelfRecord{
					ID:          r.ID,
					ShelfID:     r.ShelfID,
					CreatedNs:   r.CreatedNs,
					DestroyedNs: r.DestroyedNs,
					ItemCount:   r.ItemCount,
					Pinned:      r.Pinned,
					AutoHidden:  r.AutoHidden,
				})
			}
			resp.Total = len(resp.Shelves)
		}
	case "incidents":
		var rows []store.HealthIncident
		if sinceNs > 0 {
			rows, err = st.GetHealthIncidents(sinceNs, untilNs)
		} else {
			rows, err = st.RecentHealthIncidents(limit)
		}
		if err == nil {
			for _, r := range rows {
				resp.Incidents = append(resp.Incidents, ipc.IncidentRecord{
					ID:      r.ID,
					AtNs:    r.AtNs,
					Module:  r.Module,
					Status:  r.Status,
					Message: r.Message,
				})
			}
			resp.Total = len(resp.Incidents)
		}
	default:
		printError(fmt.Sprintf("Unknown journal kind: %s (drags, shelves, incidents)", kind))
		os.Exit(1)
	}

	if err != nil {
		printError(fmt.Sprintf("Journal query failed: %v", err))
		os.Exit(1)
	}
	return resp
}

func renderHistory(resp *ipc.JournalHistoryResponse) {
	if *jsonOut {
		dumpJSON(resp)
		return
	}

	switch resp.Kind {
	case "drags":
		if len(resp.Drags) == 0 {
			fmt.Printf("  %sNo drag sessions recorded.%s\n", c.Dim, c.Reset)
			return
		}
		printSection("DRAG HISTORY")
		fmt.Printf("  %s%-20s %10s %10s %6s %6s %6s %6s%s\n",
			c.Dim, "STARTED", "DURATION", "DISTANCE", "MOVES", "TURNS", "FILES", "SHAKE", c.Reset)
		for _, r := range resp.Drags {
			dur := time.Duration(r.EndedNs - r.StartedNs).Round(10 * time.Millisecond)
			shake := c.Dim + "-" + c.Reset
			if r.ShakeDetected {
				shake = c.Green + "yes" + c.Reset
			}
			fmt.Printf("  %-20s %10s %9.0fpx %6d %6d %6d %6s\n",
				nsTime(r.StartedNs).Format("2006-01-02 15:04:05"),
				dur, r.Distance, r.MoveCount, r.DirectionChanges, r.FileCount, shake)
		}
		fmt.Println()

	case "shelves":
		if len(resp.Shelves) == 0 {
			fmt.Printf("  %sNo shelf sessions recorded.%s\n", c.Dim, c.Reset)
			return
		}
		printSection("SHELF HISTORY")
		fmt.Printf("  %s%-12s %-20s %-20s %6s  %s%s\n",
			c.Dim, "SHELF", "CREATED", "CLOSED", "ITEMS", "FLAGS", c.Reset)
		for _, r := range resp.Shelves {
			closed := c.Yellow + "open" + c.Reset
			if r.DestroyedNs != nil {
				closed = nsTime(*r.DestroyedNs).Format("2006-01-02 15:04:05")
			}
			fmt.Printf("  %-12s %-20s %-20s %6d  %s\n",
				r.ShelfID,
				nsTime(r.CreatedNs).Format("2006-01-02 15:04:05"),
				closed, r.ItemCount, shelfFlags(r.Pinned, r.AutoHidden))
		}
		fmt.Println()

	case "incidents":
		if len(resp.Incidents) == 0 {
			fmt.Printf("  %sNo health incidents recorded.%s\n", c.Dim, c.Reset)
			return
		}
		printSection("HEALTH INCIDENTS")
		for _, r := range resp.Incidents {
			fmt.Printf("  %-20s %-10s %-10s %s\n",
				nsTime(r.AtNs).Format("2006-01-02 15:04:05"),
				r.Module, colorHealth(r.Status), r.Message)
		}
		fmt.Println()
	}
}

func cmdSend(args []string) {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		printError("Usage: shelfctl send <event> [-shelf <id>]")
		os.Exit(1)
	}
	event := args[0]

	fs := flag.NewFlagSet("send", flag.ExitOnError)
	shelfID := fs.String("shelf", "", "target shelf id")
	fs.Parse(args[1:])

	client := dial()
	defer client.Close()

	resp, err := client.ShelfSendEvent(event, *shelfID)
	if err != nil {
		printError(fmt.Sprintf("Failed to send event: %v", err))
		os.Exit(1)
	}

	if resp.Accepted {
		fmt.Printf("  %sEvent accepted%s, state is now %s%s%s\n", c.Green, c.Reset, c.Cyan, resp.State, c.Reset)
	} else {
		fmt.Printf("  %sEvent rejected%s in state %s%s%s\n", c.Yellow, c.Reset, c.Cyan, resp.State, c.Reset)
		os.Exit(1)
	}
}

func cmdSensorStart() {
	client := dial()
	defer client.Close()

	if _, err := client.SensorStart(); err != nil {
		printError(fmt.Sprintf("Failed to start sensing: %v", err))
		os.Exit(1)
	}
	fmt.Printf("  %sDrag sensing started.%s\n", c.Green, c.Reset)
}

func cmdSensorStop() {
	client := dial()
	defer client.Close()

	if _, err := client.SensorStop(); err != nil {
		printError(fmt.Sprintf("Failed to stop sensing: %v", err))
		os.Exit(1)
	}
	fmt.Printf("  %sDrag sensing stopped.%s\n", c.Green, c.Reset)
}

func cmdRecover(args []string) {
	module := ""
	if len(args) > 0 {
		module = args[0]
	}

	client := dial()
	defer client.Close()

	if _, err := client.HealthRecover(module); err != nil {
		printError(fmt.Sprintf("Recovery failed: %v", err))
		os.Exit(1)
	}

	if module == "" {
		fmt.Printf("  %sEmergency cleanup complete.%s\n", c.Green, c.Reset)
	} else {
		fmt.Printf("  %sModule %q recovered.%s\n", c.Green, module, c.Reset)
	}
}

func cmdConfig(args []string) {
	client := dial()
	defer client.Close()

	resp, err := client.ConfigGet(args)
	if err != nil {
		printError(fmt.Sprintf("Failed to get config: %v", err))
		os.Exit(1)
	}
	dumpJSON(resp.Config)
}

func cmdReload() {
	client := dial()
	defer client.Close()

	if _, err := client.ConfigReload(); err != nil {
		printError(fmt.Sprintf("Reload failed: %v", err))
		os.Exit(1)
	}
	fmt.Printf("  %sConfiguration reloaded.%s\n", c.Green, c.Reset)
}

func cmdWatch(args []string) {
	var filter []ipc.EventType
	for _, a := range args {
		et, ok := eventTypeByName(a)
		if !ok {
			printError(fmt.Sprintf("Unknown event type: %s", a))
			fmt.Fprintln(os.Stderr, "  Types: gesture, state_change, health_change, session_change, error, daemon_shutdown, config_changed")
			os.Exit(1)
		}
		filter = append(filter, et)
	}

	client := dial()
	defer client.Close()

	if err := client.Subscribe(filter); err != nil {
		printError(fmt.Sprintf("Failed to subscribe: %v", err))
		os.Exit(1)
	}

	fmt.Printf("%sWatching daemon events. Press Ctrl+C to stop.%s\n\n", c.Dim, c.Reset)

	for event := range client.Events() {
		if *jsonOut {
			data, _ := json.Marshal(event)
			fmt.Println(string(data))
			continue
		}
		data, _ := json.Marshal(event.Data)
		fmt.Printf("%s[%s]%s %s%-14s%s %s\n",
			c.Dim, event.Timestamp.Format("15:04:05.000"), c.Reset,
			c.Cyan, eventTypeName(event.Type), c.Reset,
			string(data))
	}
}

func cmdShutdown() {
	client := dial()
	defer client.Close()

	if err := client.Shutdown(); err != nil {
		printError(fmt.Sprintf("Shutdown failed: %v", err))
		os.Exit(1)
	}
	fmt.Printf("  %sShutdown requested.%s\n", c.Green, c.Reset)
}

// Helper functions

func loadLocalConfig() *config.Config {
	path := config.FindConfigFile()
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		printError(fmt.Sprintf("Error loading config: %v", err))
		os.Exit(1)
	}
	return cfg
}

func eventTypeName(et ipc.EventType) string {
	switch et {
	case ipc.EventGesture:
		return "gesture"
	case ipc.EventStateChange:
		return "state_change"
	case ipc.EventHealthChange:
		return "health_change"
	case ipc.EventSessionChange:
		return "session_change"
	case ipc.EventError:
		return "error"
	case ipc.EventDaemonShutdown:
		return "daemon_shutdown"
	case ipc.EventConfigChanged:
		return "config_changed"
	default:
		return fmt.Sprintf("unknown(%d)", et)
	}
}

func eventTypeByName(name string) (ipc.EventType, bool) {
	switch name {
	case "gesture":
		return ipc.EventGesture, true
	case "state_change":
		return ipc.EventStateChange, true
	case "health_change":
		return ipc.EventHealthChange, true
	case "session_change":
		return ipc.EventSessionChange, true
	case "error":
		return ipc.EventError, true
	case "daemon_shutdown":
		return ipc.EventDaemonShutdown, true
	case "config_changed":
		return ipc.EventConfigChanged, true
	default:
		return 0, false
	}
}

func colorHealth(status string) string {
	switch status {
	case "healthy":
		return c.Green + status + c.Reset
	case "degraded":
		return c.Yellow + status + c.Reset
	case "unhealthy", "critical":
		return c.Bold + c.Red + status + c.Reset
	default:
		return status
	}
}

func shelfFlags(pinned, autoHidden bool) string {
	var flags []string
	if pinned {
		flags = append(flags, "pinned")
	}
	if autoHidden {
		flags = append(flags, "auto-hidden")
	}
	return strings.Join(flags, ",")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func nsTime(ns int64) time.Time {
	return time.Unix(0, ns)
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
