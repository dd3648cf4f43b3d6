// Command conductor drives the pipeline from the terminal: create requests,
// run agents, approve or reject artifacts, execute repairs, and inspect state.
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"conductor/pkg/config"
	"conductor/pkg/logx"
)

// Version information set by goreleaser via ldflags.
//
//nolint:gochecknoglobals // Build-time metadata
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		projectDir  = flag.String("projectdir", ".", "Project directory")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductor %s (%s)\n", version, commit)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	os.Exit(run(*projectDir, flag.Args()))
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: conductor [-projectdir DIR] <command> [args]

Commands:
  new -prompt TEXT [-project ID]        create a request and initialize its state
  run REQUEST AGENT                     run one agent for a request
  loop REQUEST                          run agents and review drafts interactively
  approve REQUEST ARTIFACT [-by NAME]   approve an awaiting artifact
  reject REQUEST ARTIFACT -reason TEXT  reject an awaiting artifact
  input REQUEST ARTIFACT -content TEXT  replace a conversational draft with human content
  select-repair REQUEST DRAFT CANDIDATE pick one repair candidate for execution
  repair REQUEST                        execute the approved repair plan
  audit REQUEST                         run the completion auditor
  status REQUEST                        show conductor state and next action
  artifacts REQUEST                     list artifacts for a request
  events REQUEST [-since SEQ]           show the event log
  cancel REQUEST -reason TEXT           force-fail a request
  agents [PHASE]                        list registered agents
`)
}

func run(projectDir string, args []string) int {
	logger := logx.NewLogger("cli")

	cfg, err := config.Load(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := unlockSecrets(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to unlock secrets: %v\n", err)
		return 1
	}

	app, err := newApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer app.Close()

	if err := app.dispatch(args); err != nil {
		logger.Error("%s failed: %v", args[0], err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// unlockSecrets decrypts the project secrets file into memory when present.
// Environment variables still work without one.
func unlockSecrets(projectDir string) error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}
	fmt.Print("Enter project password: ")
	password, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	return config.DecryptSecretsFile(projectDir, string(password))
}
