// shelfctl is the control CLI for shelfd.
package main

import (
	"flag"
	"fmt"
	"os"

	"shelfd/internal/config"
)

const version = "1.2.0"

var (
	dataDir = flag.String("dir", "", "shelfd data directory (default: platform data dir)")
	jsonOut = flag.Bool("json", false, "print raw JSON responses")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "status":
		cmdStatus()
	case "ping":
		cmdPing()
	case "state":
		cmdState()
	case "files":
		cmdFiles()
	case "health":
		cmdHealth()
	case "metrics":
		cmdMetrics()
	case "history":
		cmdHistory(args)
	case "send":
		cmdSend(args)
	case "start":
		cmdSensorStart()
	case "stop":
		cmdSensorStop()
	case "recover":
		cmdRecover(args)
	case "config":
		cmdConfig(args)
	case "reload":
		cmdReload()
	case "watch":
		cmdWatch(args)
	case "shutdown":
		cmdShutdown()
	case "version":
		fmt.Printf("shelfctl %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `shelfctl - Control utility for shelfd

Usage: shelfctl [options] <command> [args]

Commands:
  status                 Show daemon status
  ping                   Check daemon liveness and latency
  state                  Show the shelf state machine state
  files                  Show the current drag payload
  health                 Show watchdog health and module detail
  metrics                Show the daemon metrics snapshot
  history [kind]         Show journal history (drags, shelves, incidents)
  send <event>           Inject a UI event into the state machine
  start                  Start drag sensing
  stop                   Stop drag sensing
  recover [module]       Recover a module, or run emergency cleanup
  config [section...]    Show the running configuration
  reload                 Reload the daemon configuration file
  watch [type...]        Stream daemon events
  shutdown               Stop the daemon
  version                Print the shelfctl version
  help                   Show this help message

Options:
  -dir <path>   shelfd data directory (socket location)
  -json         Print raw JSON responses

History options:    history [drags|shelves|incidents] [-n N] [-since 24h]
Send options:       send <event> [-shelf <id>]`)
}

// shelfdDir resolves the daemon state directory for this invocation.
func shelfdDir() string {
	if *dataDir != "" {
		return *dataDir
	}
	return config.ShelfdDir()
}
