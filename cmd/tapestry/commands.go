package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/tapestry-ai/tapestry/pkg/a2a"
	"github.com/tapestry-ai/tapestry/pkg/registry"
	"github.com/tapestry-ai/tapestry/pkg/runtime"
	"github.com/tapestry-ai/tapestry/pkg/state"
	"github.com/tapestry-ai/tapestry/pkg/transport"
)

const commandTimeout = 30 * time.Second

// ============================================================================
// THREADS
// ============================================================================

// ThreadsCmd inspects the durable thread store.
type ThreadsCmd struct {
	List ThreadsListCmd `cmd:"" default:"withargs" help:"List stored threads."`
	Show ThreadsShowCmd `cmd:"" help:"Show one thread's state."`
}

type ThreadsListCmd struct{}

func (c *ThreadsListCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	threads, closeStore, err := openThreads(cli)
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := threads.Threads(ctx)
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	if len(list.Threads) == 0 {
		fmt.Println("no threads stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tMESSAGES\tCREATED\tLAST ACCESS")
	for _, id := range list.IDs() {
		info := list.Threads[id]
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			id, info.Messages,
			info.Created.Local().Format("2006-01-02 15:04"),
			info.LastAccessed.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

// ThreadsShowCmd prints one thread, as a summary or as raw JSON.
type ThreadsShowCmd struct {
	ID   string `arg:"" help:"Thread id."`
	JSON bool   `help:"Emit the raw JSON state."`
}

func (c *ThreadsShowCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	threads, closeStore, err := openThreads(cli)
	if err != nil {
		return err
	}
	defer closeStore()

	st, err := threads.LoadState(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("load thread %s: %w", c.ID, err)
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Printf("Thread:      %s\n", c.ID)
	fmt.Printf("Request:     %s\n", st.OriginalRequest)
	fmt.Printf("Messages:    %d\n", len(st.Messages))
	fmt.Printf("UI mode:     %s\n", st.UIMode)
	fmt.Printf("Interrupted: %v\n", st.Interrupted)
	if st.Summary != "" {
		fmt.Printf("Summary:     %s\n", st.Summary)
	}
	if len(st.ActiveAgents) > 0 {
		fmt.Printf("Agents:      %v\n", st.ActiveAgents)
	}
	if st.Plan != nil {
		fmt.Printf("\nPlan v%d (%s, %d tasks):\n", st.Plan.Version, st.Plan.Status, len(st.Plan.Tasks))
		for i, task := range st.Plan.Tasks {
			fmt.Printf("  %2d. [%s] %s (agent: %s)\n", i+1, task.Status, task.Content, task.Agent)
			if task.Error != "" {
				fmt.Printf("      error: %s\n", task.Error)
			}
		}
	}
	return nil
}

// openThreads opens the configured store and wraps it in a state manager.
func openThreads(cli *CLI) (*state.Manager, func(), error) {
	cfg, err := cli.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := runtime.OpenStore(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	closeStore := func() { _ = st.Close() }
	return state.NewManager(st, cfg.Engine.UserID), closeStore, nil
}

// ============================================================================
// AGENTS
// ============================================================================

// AgentsCmd inspects the agent registry.
type AgentsCmd struct {
	List   AgentsListCmd   `cmd:"" default:"withargs" help:"List registered agents."`
	Health AgentsHealthCmd `cmd:"" help:"Probe every registered agent."`
}

type AgentsListCmd struct{}

func (c *AgentsListCmd) Run(cli *CLI) error {
	reg, closeReg, err := openRegistry(cli)
	if err != nil {
		return err
	}
	defer closeReg()

	agents := reg.List()
	if len(agents) == 0 {
		fmt.Println("no agents registered")
		return nil
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tENDPOINT\tCAPABILITIES")
	for _, agent := range agents {
		caps := "-"
		if agent.Card != nil && len(agent.Card.Capabilities) > 0 {
			caps = fmt.Sprintf("%v", agent.Card.Capabilities)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			agent.Name, colorStatus(agent.Status), agent.Endpoint, caps)
	}
	return w.Flush()
}

type AgentsHealthCmd struct{}

func (c *AgentsHealthCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reg, closeReg, err := openRegistry(cli)
	if err != nil {
		return err
	}
	defer closeReg()

	statuses, err := reg.HealthCheckAll(ctx)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Println("no agents registered")
		return nil
	}

	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS")
	for _, name := range names {
		if statuses[name] == registry.StatusOnline {
			healthy++
		}
		fmt.Fprintf(w, "%s\t%s\n", name, colorStatus(statuses[name]))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d/%d healthy\n", healthy, len(statuses))
	return nil
}

// openRegistry builds a registry over a short-lived transport, loads any
// persisted registrations and layers the configured seeds on top, so the
// view matches what serve would start with.
func openRegistry(cli *CLI) (*registry.Registry, func(), error) {
	cfg, err := cli.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	pool := transport.NewPool(cfg.Transport.PoolConfig())
	breakers := transport.NewBreakerGroup(cfg.Transport.BreakerConfig())
	client := a2a.NewClient(pool, breakers)

	var opts []registry.Option
	if cfg.Registry.PersistPath != "" {
		opts = append(opts, registry.WithPersistPath(cfg.Registry.PersistPath))
	}
	reg := registry.New(client, opts...)
	if err := reg.Load(); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("registry: %w", err)
	}
	for _, seed := range cfg.Agents {
		if _, ok := reg.GetByName(seed.Name); !ok {
			_ = reg.Register(seed.Name, seed.Endpoint, nil)
		}
	}
	return reg, pool.Close, nil
}

// colorStatus tints the status cell when stdout is a terminal.
func colorStatus(status registry.AgentStatus) string {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return string(status)
	}
	switch status {
	case registry.StatusOnline:
		return "\033[32m" + string(status) + "\033[0m"
	case registry.StatusOffline, registry.StatusError:
		return "\033[31m" + string(status) + "\033[0m"
	default:
		return string(status)
	}
}
