package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"conductor/pkg/agenthost"
	"conductor/pkg/agents"
	"conductor/pkg/audit"
	"conductor/pkg/conductor"
	"conductor/pkg/config"
	"conductor/pkg/envelope"
	"conductor/pkg/eventlog"
	"conductor/pkg/ledger"
	"conductor/pkg/llm"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/repair"
	"conductor/pkg/utils"
	"conductor/pkg/workspace"
)

// app holds the wired pipeline for one CLI invocation.
type app struct {
	db       *sql.DB
	store    *persistence.Store
	events   *eventlog.Log
	led      *ledger.Ledger
	cond     *conductor.Conductor
	reg      *envelope.Registry
	host     *agenthost.Host
	executor *repair.Executor
	auditor  *audit.Auditor
}

func newApp(cfg config.Config) (*app, error) {
	db, err := persistence.InitializeDatabase(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := persistence.NewStore(db)
	events, err := eventlog.NewLog(store, cfg.EventLogDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	led := ledger.NewLedger(store, events)
	cond := conductor.NewConductor(store, events)

	reg := envelope.NewRegistry()
	bodies, err := agents.RegisterAll(reg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to register agents: %w", err)
	}
	repairBodies, err := repair.Register(reg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to register repair agents: %w", err)
	}
	for name, body := range repairBodies {
		bodies[name] = body
	}

	var recorder *metrics.Recorder
	var observer llm.Observer
	if cfg.Metrics.Enabled {
		recorder = metrics.NewRecorder(nil)
		observer = recorder
	}

	client, err := llm.NewFromConfig(cfg.LLM, observer)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	rt := envelope.NewRuntime(led, client, cfg.LLM.MaxContextTokens, config.DeterministicTemperatureCap)

	ws, err := workspace.New(cfg.WorkspaceDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var hostObserver agenthost.Observer
	if recorder != nil {
		hostObserver = recorder
	}
	return &app{
		db:       db,
		store:    store,
		events:   events,
		led:      led,
		cond:     cond,
		reg:      reg,
		host:     agenthost.New(store, cond, led, events, rt, reg, bodies, hostObserver),
		executor: repair.NewExecutor(store, cond, led, events, ws, cfg.MaxRepairAttempts),
		auditor:  audit.NewAuditor(store, led, events, cfg.MaxRepairAttempts),
	}, nil
}

func (a *app) Close() {
	_ = a.events.Close()
	_ = a.db.Close()
}

//nolint:gocyclo // Flat command dispatch
func (a *app) dispatch(args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "new":
		return a.cmdNew(rest)
	case "run":
		return a.cmdRun(rest)
	case "loop":
		return a.cmdLoop(rest)
	case "approve":
		return a.cmdApprove(rest)
	case "reject":
		return a.cmdReject(rest)
	case "input":
		return a.cmdInput(rest)
	case "select-repair":
		return a.cmdSelectRepair(rest)
	case "repair":
		return a.cmdRepair(rest)
	case "audit":
		return a.cmdAudit(rest)
	case "status":
		return a.cmdStatus(rest)
	case "artifacts":
		return a.cmdArtifacts(rest)
	case "events":
		return a.cmdEvents(rest)
	case "cancel":
		return a.cmdCancel(rest)
	case "agents":
		return a.cmdAgents(rest)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) cmdNew(args []string) error {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	prompt := fs.String("prompt", "", "The app idea to build")
	project := fs.String("project", "default", "Project identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *prompt == "" {
		return fmt.Errorf("new requires -prompt")
	}

	execID, err := utils.NewExecutionID()
	if err != nil {
		return err
	}
	req := &persistence.Request{
		ID:           utils.NewID(),
		Prompt:       *prompt,
		ProjectID:    *project,
		CurrentPhase: proto.PhaseIdea,
		ExecutionID:  execID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.Ops().CreateRequest(req); err != nil {
		return err
	}
	if err := a.cond.Initialize(req.ID); err != nil {
		return err
	}
	fmt.Printf("request %s created at %s\n", req.ID, proto.PhaseIdea)
	return nil
}

func (a *app) cmdRun(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: run REQUEST AGENT")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	artifact, err := a.host.StartAgent(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("%s produced %s v%d (%s), awaiting approval\n",
		args[1], artifact.Type, artifact.Version, artifact.ID)
	return nil
}

// cmdLoop drives one request interactively: run the next agent, show its
// draft, and read the approval decision from the terminal until the request
// goes terminal or the operator quits.
func (a *app) cmdLoop(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: loop REQUEST")
	}
	requestID := args[0]
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	reader := bufio.NewScanner(os.Stdin)

	for ctx.Err() == nil {
		na, err := a.host.GetNextAction(requestID)
		if err != nil {
			return err
		}
		if na.Terminal {
			fmt.Printf("request %s is terminal at %s\n", requestID, na.Phase)
			return nil
		}

		if len(na.PendingApprovals) > 0 {
			quit, err := a.reviewPending(requestID, na.PendingApprovals, reader)
			if err != nil || quit {
				return err
			}
			continue
		}
		if na.AwaitingHuman {
			fmt.Printf("request %s is paused with nothing awaiting approval; see events\n", requestID)
			return nil
		}

		agent := a.nextAgent(na)
		if agent == "" {
			fmt.Printf("no runnable agent at %s for request %s\n", na.Phase, requestID)
			return nil
		}
		fmt.Printf("running %s at %s\n", agent, na.Phase)
		artifact, err := a.host.StartAgent(ctx, requestID, agent)
		if err != nil {
			return err
		}
		fmt.Printf("%s produced %s v%d\n", agent, artifact.Type, artifact.Version)
	}
	return ctx.Err()
}

// reviewPending shows each awaiting artifact and reads a decision. Returns
// true when the operator quits the loop.
func (a *app) reviewPending(requestID string, pending []proto.ArtifactType, reader *bufio.Scanner) (bool, error) {
	artifacts, err := a.led.List(requestID)
	if err != nil {
		return false, err
	}
	awaiting := make(map[proto.ArtifactType]*persistence.Artifact, len(pending))
	for i, art := range artifacts {
		if art.Status == proto.StatusAwaitingApproval {
			awaiting[art.Type] = artifacts[i]
		}
	}

	for _, t := range pending {
		art := awaiting[t]
		if art == nil {
			continue
		}
		fmt.Printf("\n%s v%d (%s) by %s\n%s\n", art.Type, art.Version,
			art.ContentHash[:12], art.Producer, preview(art.Content))
		fmt.Print("[a]pprove / [r]eject / [s]kip / [q]uit: ")
		if !reader.Scan() {
			return true, reader.Err()
		}
		switch strings.ToLower(strings.TrimSpace(reader.Text())) {
		case "a", "approve":
			if _, err := a.host.Approve(requestID, art.ID, "human"); err != nil {
				return false, err
			}
			fmt.Println("approved")
		case "r", "reject":
			fmt.Print("reason: ")
			if !reader.Scan() {
				return true, reader.Err()
			}
			if err := a.host.Reject(requestID, art.ID, strings.TrimSpace(reader.Text())); err != nil {
				return false, err
			}
			fmt.Println("rejected; the agent can rerun for a new version")
		case "q", "quit":
			return true, nil
		default:
			fmt.Println("skipped")
		}
	}
	return false, nil
}

// nextAgent picks the agent to run: first one producing a missing exit
// artifact, then the phase's exit agent for phases without exit requirements.
func (a *app) nextAgent(na *conductor.NextAction) string {
	missing := make(map[proto.ArtifactType]bool, len(na.MissingArtifacts))
	for _, t := range na.MissingArtifacts {
		missing[t] = true
	}
	envs := a.host.AgentsForPhase(na.Phase)
	for _, env := range envs {
		if missing[env.Produces] {
			return env.Name
		}
	}
	for _, env := range envs {
		if env.ExitEffecting {
			return env.Name
		}
	}
	return ""
}

func preview(content []byte) string {
	const limit = 400
	s := string(content)
	if len(s) > limit {
		return s[:limit] + " ..."
	}
	return s
}

func (a *app) cmdApprove(args []string) error {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	by := fs.String("by", "human", "Approver name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: approve REQUEST ARTIFACT [-by NAME]")
	}
	artifact, err := a.host.Approve(fs.Arg(0), fs.Arg(1), *by)
	if err != nil {
		return err
	}
	st, err := a.host.GetState(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("%s v%d approved; request at %s\n", artifact.Type, artifact.Version, st.CurrentPhase)
	return nil
}

func (a *app) cmdReject(args []string) error {
	fs := flag.NewFlagSet("reject", flag.ContinueOnError)
	reason := fs.String("reason", "", "Rejection feedback")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 || *reason == "" {
		return fmt.Errorf("usage: reject REQUEST ARTIFACT -reason TEXT")
	}
	if err := a.host.Reject(fs.Arg(0), fs.Arg(1), *reason); err != nil {
		return err
	}
	fmt.Println("rejected; rerun the agent to produce a new version")
	return nil
}

func (a *app) cmdInput(args []string) error {
	fs := flag.NewFlagSet("input", flag.ContinueOnError)
	content := fs.String("content", "", "Replacement content")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 || *content == "" {
		return fmt.Errorf("usage: input REQUEST ARTIFACT -content TEXT")
	}
	artifact, err := a.host.SubmitInput(fs.Arg(0), fs.Arg(1), *content)
	if err != nil {
		return err
	}
	fmt.Printf("replaced with %s v%d (%s)\n", artifact.Type, artifact.Version, artifact.ID)
	return nil
}

func (a *app) cmdSelectRepair(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: select-repair REQUEST DRAFT CANDIDATE")
	}
	req, err := a.store.Ops().GetRequest(args[0])
	if err != nil {
		return err
	}
	plan, err := repair.SelectCandidate(a.led, req.ExecutionID, args[0], args[1], args[2], "human")
	if err != nil {
		return err
	}
	fmt.Printf("repair plan approved (%s)\n", plan.ID)
	return nil
}

func (a *app) cmdRepair(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: repair REQUEST")
	}
	logArt, err := a.executor.Execute(args[0])
	if logArt != nil {
		fmt.Printf("repair execution log %s written\n", logArt.ID)
	}
	return err
}

func (a *app) cmdAudit(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: audit REQUEST")
	}
	_, decision, err := a.auditor.Audit(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("decision: %s\n", decision)
	return nil
}

func (a *app) cmdStatus(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: status REQUEST")
	}
	st, err := a.host.GetState(args[0])
	if err != nil {
		return err
	}
	na, err := a.host.GetNextAction(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("phase:          %s\n", st.CurrentPhase)
	fmt.Printf("locked:         %v (last agent: %s)\n", st.Locked, st.LastAgent)
	fmt.Printf("awaiting human: %v\n", st.AwaitingHuman)
	if na.Terminal {
		fmt.Println("terminal")
		return nil
	}
	fmt.Printf("next phase:     %s\n", na.NextPhase)
	for _, t := range na.PendingApprovals {
		fmt.Printf("  awaiting approval: %s\n", t)
	}
	for _, t := range na.MissingArtifacts {
		fmt.Printf("  missing:           %s\n", t)
	}
	return nil
}

func (a *app) cmdArtifacts(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: artifacts REQUEST")
	}
	artifacts, err := a.led.List(args[0])
	if err != nil {
		return err
	}
	for _, art := range artifacts {
		fmt.Printf("%s  %-24s v%d  %-18s %s\n",
			art.ID, art.Type, art.Version, art.Status, art.ContentHash[:12])
	}
	return nil
}

func (a *app) cmdEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	since := fs.String("since", "0", "Only events after this sequence number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: events REQUEST [-since SEQ]")
	}
	sinceSeq, err := strconv.ParseInt(*since, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid -since value: %w", err)
	}
	events, err := a.host.GetEvents(fs.Arg(0), sinceSeq)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Printf("%6d  %s  %-32s %s\n",
			e.Seq, e.CreatedAt.Format(time.RFC3339), e.Type, e.Message)
	}
	return nil
}

func (a *app) cmdCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	reason := fs.String("reason", "", "Cancellation reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *reason == "" {
		return fmt.Errorf("usage: cancel REQUEST -reason TEXT")
	}
	req, err := a.store.Ops().GetRequest(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := a.cond.Cancel(req.ExecutionID, fs.Arg(0), *reason); err != nil {
		return err
	}
	fmt.Println("request cancelled")
	return nil
}

func (a *app) cmdAgents(args []string) error {
	if len(args) == 1 {
		for _, env := range a.host.AgentsForPhase(proto.Phase(args[0])) {
			fmt.Printf("%-24s -> %s%s\n", env.Name, env.Produces, exitMark(env))
		}
		return nil
	}
	for _, name := range a.reg.Names() {
		env, err := a.reg.Get(name)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %-20s -> %s%s\n", env.Name, env.EntryPhase, env.Produces, exitMark(env))
	}
	return nil
}

func exitMark(env *envelope.Envelope) string {
	if env.ExitEffecting {
		return " (exit)"
	}
	return ""
}
