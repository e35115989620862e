// Package supervisor keeps one child process per bot alive: embedded bots
// get a full runtime each; gateway mode gets one ingress process plus a
// worker-only process per bot. Children are restarted with exponential
// backoff and terminated with a SIGTERM grace window on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/zulandar/semaphore/internal/config"
)

// terminationGrace is how long a child gets between SIGTERM and SIGKILL.
const terminationGrace = 10 * time.Second

// ProcessSpec names one desired child process.
type ProcessSpec struct {
	Name string
	Args []string
}

type managedProcess struct {
	spec    ProcessSpec
	cancel  context.CancelFunc
	done    chan struct{}
	backoff time.Duration
}

// Supervisor reconciles running children against the bots config.
type Supervisor struct {
	configPath    string
	global        config.Global
	embeddedHost  string
	embeddedPort  int
	gatewayHost   string
	gatewayPort   int
	executable    string
	reconcileWait time.Duration
	out           io.Writer

	mu      sync.Mutex
	managed map[string]*managedProcess
}

// Opts holds parameters for New.
type Opts struct {
	ConfigPath       string
	Global           config.Global
	EmbeddedHost     string
	EmbeddedBasePort int
	GatewayHost      string
	GatewayPort      int
	Executable       string // defaults to the current binary
	Out              io.Writer
}

// New creates a Supervisor.
func New(opts Opts) (*Supervisor, error) {
	if opts.ConfigPath == "" {
		return nil, fmt.Errorf("supervisor: config path is required")
	}
	executable := opts.Executable
	if executable == "" {
		path, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve executable: %w", err)
		}
		executable = path
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	embeddedHost := opts.EmbeddedHost
	if embeddedHost == "" {
		embeddedHost = "127.0.0.1"
	}
	embeddedPort := opts.EmbeddedBasePort
	if embeddedPort == 0 {
		embeddedPort = 8600
	}
	gatewayHost := opts.GatewayHost
	if gatewayHost == "" {
		gatewayHost = "0.0.0.0"
	}
	gatewayPort := opts.GatewayPort
	if gatewayPort == 0 {
		gatewayPort = 4312
	}
	return &Supervisor{
		configPath:    opts.ConfigPath,
		global:        opts.Global,
		embeddedHost:  embeddedHost,
		embeddedPort:  embeddedPort,
		gatewayHost:   gatewayHost,
		gatewayPort:   gatewayPort,
		executable:    executable,
		reconcileWait: 2 * time.Second,
		out:           out,
		managed:       map[string]*managedProcess{},
	}, nil
}

// Run reconciles until the context is cancelled, then stops every child.
func (s *Supervisor) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		specs, err := s.desiredSpecs()
		if err != nil {
			fmt.Fprintf(s.out, "supervisor: load config: %v\n", err)
		} else {
			s.reconcile(ctx, specs)
		}

		timer := time.NewTimer(s.reconcileWait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	s.stopAll()
	return nil
}

// desiredSpecs maps the bots config onto child process specs.
func (s *Supervisor) desiredSpecs() (map[string]ProcessSpec, error) {
	bots, err := config.LoadBots(s.configPath, s.global, false)
	if err != nil {
		return nil, err
	}

	specs := map[string]ProcessSpec{}
	port := s.embeddedPort
	hasGateway := false

	for _, bot := range bots {
		switch bot.Mode {
		case config.ModeEmbedded:
			name := "bot:" + bot.BotID
			specs[name] = ProcessSpec{
				Name: name,
				Args: []string{
					"run-bot",
					"--config", s.configPath,
					"--bot-id", bot.BotID,
					"--host", s.embeddedHost,
					"--port", fmt.Sprintf("%d", port),
				},
			}
			port++
		case config.ModeGateway:
			hasGateway = true
			name := "worker:" + bot.BotID
			specs[name] = ProcessSpec{
				Name: name,
				Args: []string{"run-bot", "--config", s.configPath, "--bot-id", bot.BotID},
			}
		}
	}

	if hasGateway {
		specs["gateway"] = ProcessSpec{
			Name: "gateway",
			Args: []string{
				"run-gateway",
				"--config", s.configPath,
				"--host", s.gatewayHost,
				"--port", fmt.Sprintf("%d", s.gatewayPort),
			},
		}
	}
	return specs, nil
}

func (s *Supervisor) reconcile(ctx context.Context, specs map[string]ProcessSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, proc := range s.managed {
		if _, wanted := specs[name]; !wanted {
			proc.cancel()
			delete(s.managed, name)
			fmt.Fprintf(s.out, "supervisor: stopped %s (no longer configured)\n", name)
		}
	}

	for name, spec := range specs {
		if _, running := s.managed[name]; running {
			continue
		}
		s.managed[name] = s.launch(ctx, spec, 0)
		fmt.Fprintf(s.out, "supervisor: started %s\n", name)
	}
}

// launch starts one child and a watchdog that restarts it with capped
// exponential backoff until its context is cancelled.
func (s *Supervisor) launch(ctx context.Context, spec ProcessSpec, backoff time.Duration) *managedProcess {
	procCtx, cancel := context.WithCancel(ctx)
	proc := &managedProcess{
		spec:    spec,
		cancel:  cancel,
		done:    make(chan struct{}),
		backoff: backoff,
	}

	go func() {
		defer close(proc.done)
		currentBackoff := proc.backoff

		for procCtx.Err() == nil {
			cmd := exec.CommandContext(procCtx, s.executable, spec.Args...)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
			cmd.WaitDelay = terminationGrace

			err := cmd.Run()
			if procCtx.Err() != nil {
				return
			}
			fmt.Fprintf(s.out, "supervisor: %s exited: %v\n", spec.Name, err)

			currentBackoff = nextBackoff(currentBackoff, s.global.SupervisorMaxBackoff)
			timer := time.NewTimer(currentBackoff)
			select {
			case <-procCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	return proc
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	procs := make([]*managedProcess, 0, len(s.managed))
	for name, proc := range s.managed {
		procs = append(procs, proc)
		delete(s.managed, name)
	}
	s.mu.Unlock()

	for _, proc := range procs {
		proc.cancel()
	}
	for _, proc := range procs {
		<-proc.done
	}
}

func nextBackoff(current time.Duration, maxSec int) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	limit := time.Duration(maxSec) * time.Second
	if limit <= 0 {
		limit = 30 * time.Second
	}
	if next > limit {
		next = limit
	}
	return next
}
