// Command ruleset loads a rule directory with the rule loader and prints
// validation results.
//
// Usage:
//
//	ruleset validate --dir /etc/tripwire/rules.d
//	ruleset list --dir /etc/tripwire/rules.d
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tripwire/sentinel/internal/ruleloader"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ruleset: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ruleset <validate|list> --dir <path>")
	}

	sub := args[0]
	rest := args[1:]

	switch sub {
	case "validate":
		return cmdValidate(rest)
	case "list":
		return cmdList(rest)
	default:
		return fmt.Errorf("unknown command %q; use validate or list", sub)
	}
}

func parseDir(args []string) (string, error) {
	fs := flag.NewFlagSet("ruleset", flag.ContinueOnError)
	dir := fs.String("dir", "", "path to a directory of rule documents (required)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *dir == "" {
		return "", fmt.Errorf("--dir is required")
	}
	return *dir, nil
}

// cmdValidate loads the rule directory and reports every document that was
// rejected (missing id, malformed sequence, unparsable regex) without
// treating the whole load as a failure — the loader installs the documents
// that did parse and surfaces the rest as a joined error (spec.md §4.1).
func cmdValidate(args []string) error {
	dir, err := parseDir(args)
	if err != nil {
		return err
	}

	loader, loadErr := ruleloader.New(dir)
	if loader == nil {
		return fmt.Errorf("failed to read rule directory: %w", loadErr)
	}

	n := len(loader.Catalog().Rules())
	if loadErr == nil {
		fmt.Printf("ok: %d rule(s) loaded from %s\n", n, dir)
		return nil
	}

	fmt.Printf("%d rule(s) loaded from %s; some documents were rejected:\n", n, dir)
	fmt.Println(loadErr)
	return fmt.Errorf("rule directory has invalid documents")
}

// cmdList prints a one-line summary of every rule currently in the catalog.
func cmdList(args []string) error {
	dir, err := parseDir(args)
	if err != nil {
		return err
	}

	loader, loadErr := ruleloader.New(dir)
	if loader == nil {
		return fmt.Errorf("failed to read rule directory: %w", loadErr)
	}

	for _, r := range loader.Catalog().Rules() {
		kind := "window"
		if r.Sequence != nil {
			kind = "sequence"
		}
		fmt.Printf("%-24s %-8s severity=%-8s log_source=%v\n", r.ID, kind, r.Severity, r.LogSource)
	}

	if loadErr != nil {
		fmt.Fprintln(os.Stderr, "warning: some documents were rejected:")
		fmt.Fprintln(os.Stderr, loadErr)
	}
	return nil
}
