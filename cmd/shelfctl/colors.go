package main

import (
	"fmt"
	"os"
)

// colorScheme holds the ANSI escape codes the renderers use. The zero
// value disables color entirely.
type colorScheme struct {
	Reset  string
	Bold   string
	Dim    string
	Red    string
	Green  string
	Yellow string
	Cyan   string
}

// c is the active palette. Empty unless stdout is a terminal and
// NO_COLOR is unset.
var c colorScheme

func init() {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return
	}
	fi, err := os.Stdout.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	c = colorScheme{
		Reset:  "\x1b[0m",
		Bold:   "\x1b[1m",
		Dim:    "\x1b[2m",
		Red:    "\x1b[31m",
		Green:  "\x1b[32m",
		Yellow: "\x1b[33m",
		Cyan:   "\x1b[36m",
	}
}

func printSection(title string) {
	fmt.Printf("\n%s=== %s ===%s\n", c.Bold, title, c.Reset)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%sError:%s %s\n", c.Bold, c.Red, c.Reset, msg)
}
