package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"
)

// --- CONFIGURATION ---
const (
	StartHTTPPort = 8000             // Node 0 = 8000, Node 1 = 8001...
	StartDHTPort  = 9000             // Node 0 = 9000, Node 1 = 9001...
	BootstrapAddr = "127.0.0.1:9000" // Address of Node 0 (Genesis)
	ProjectRoot   = "../../"         // Path to the main package from here
	SimDir        = "sim_data"
)

type launcher struct {
	mu   sync.Mutex
	cmds []*exec.Cmd

	root     string
	codec    string
	logLevel string
}

func main() {
	l := &launcher{}
	var nodes int
	var stagger time.Duration

	cmd := &cobra.Command{
		Use:   "launcher",
		Short: "Spawn a local test network of DHT nodes",
		RunE: func(*cobra.Command, []string) error {
			return l.run(nodes, stagger)
		},
	}
	cmd.Flags().IntVar(&nodes, "nodes", 25, "how many nodes to launch")
	cmd.Flags().DurationVar(&stagger, "stagger", 500*time.Millisecond, "delay between node starts")
	cmd.Flags().StringVar(&l.codec, "codec", "json", "wire codec passed to every node")
	cmd.Flags().StringVar(&l.logLevel, "log-level", "info", "log level passed to every node")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (l *launcher) run(nodes int, stagger time.Duration) error {
	absRoot, err := filepath.Abs(ProjectRoot)
	if err != nil {
		return err
	}
	l.root = absRoot
	log.Info("launching network", "root", absRoot, "nodes", nodes)

	os.RemoveAll(SimDir)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	if err := l.startNode(0, true); err != nil {
		return err
	}
	// Give the genesis node time to bind before peers dial it.
	time.Sleep(2 * time.Second)

	for i := 1; i < nodes; i++ {
		if err := l.startNode(i, false); err != nil {
			l.stopAll()
			return err
		}
		time.Sleep(stagger)
	}

	log.Info("network is running", "nodes", nodes, "genesis_api", fmt.Sprintf("http://localhost:%d", StartHTTPPort))
	log.Info("node output is in " + filepath.Join(SimDir, "node_N", "node.log"))

	<-c
	log.Info("stopping all nodes")
	l.stopAll()
	return nil
}

func (l *launcher) startNode(id int, isGenesis bool) error {
	httpPort := StartHTTPPort + id
	dhtPort := StartDHTPort + id

	nodeDir, err := filepath.Abs(filepath.Join(SimDir, fmt.Sprintf("node_%d", id)))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		return err
	}

	// go run <root> start --port X --http Y [--seed Z]
	args := []string{
		"run", l.root, "start",
		"--port", strconv.Itoa(dhtPort),
		"--http", strconv.Itoa(httpPort),
		"--data-dir", nodeDir,
		"--codec", l.codec,
		"--log-level", l.logLevel,
	}
	if !isGenesis {
		args = append(args, "--seed", BootstrapAddr)
	}

	cmd := exec.Command("go", args...)
	cmd.Dir = nodeDir
	// Own process group so the interrupt reaches the binary behind go run.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile, err := os.Create(filepath.Join(nodeDir, "node.log"))
	if err != nil {
		return err
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start node %d: %w", id, err)
	}

	l.mu.Lock()
	l.cmds = append(l.cmds, cmd)
	l.mu.Unlock()
	log.Info("node running", "node", id, "http", httpPort, "dht", dhtPort, "genesis", isGenesis)
	return nil
}

func (l *launcher) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, cmd := range l.cmds {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
		}
	}
	for _, cmd := range l.cmds {
		_ = cmd.Wait()
	}
	l.cmds = nil
}
