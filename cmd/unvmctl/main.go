package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unvm/unvm/pkg/client"
	"github.com/unvm/unvm/pkg/config"
	"github.com/unvm/unvm/pkg/discovery"
	"github.com/unvm/unvm/pkg/history"
	"github.com/unvm/unvm/pkg/logging"
	"github.com/unvm/unvm/pkg/wire"
)

// unvmctl is the controller: it discovers a live editor host and issues
// one request per invocation.
func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "instances":
		err = instancesCommand(os.Args[2:])
	case "watch":
		err = watchCommand(os.Args[2:])
	case "ping":
		err = requestCommand("ping", nil, os.Args[2:])
	case "refresh":
		err = refreshCommand(os.Args[2:])
	case "play":
		err = requestCommand("play_toggle", nil, os.Args[2:])
	case "logs":
		err = logsCommand(os.Args[2:])
	case "version":
		fmt.Printf("unvmctl (protocol %s)\n", wire.ProtocolVersion)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: unvmctl <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  instances  List live editor host instances")
	fmt.Println("  watch      Follow instances appearing and disappearing")
	fmt.Println("  ping       Check the host responds")
	fmt.Println("  refresh    Trigger an asset refresh (acknowledged before the reload)")
	fmt.Println("  play       Toggle the editor play state")
	fmt.Println("  logs       Fetch recent editor log history")
	fmt.Println("  version    Print controller version")
}

type commonFlags struct {
	dir     string
	pid     int
	timeout time.Duration
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.dir, "dir", config.DefaultDescriptorDir(), "Descriptor directory")
	fs.IntVar(&cf.pid, "pid", 0, "Target a specific host pid (default: newest instance)")
	fs.DurationVar(&cf.timeout, "timeout", 2*time.Second, "Connect and per-read timeout")
	return cf
}

func (cf *commonFlags) engine() *client.Engine {
	resolver := discovery.Directory{Dir: cf.dir, PID: cf.pid}
	opts := client.Options{
		ConnectTimeout: cf.timeout,
		ReadTimeout:    cf.timeout,
	}
	return client.New(resolver, opts, logging.New("unvmctl"))
}

func requestCommand(method string, params json.RawMessage, args []string) error {
	fs := flag.NewFlagSet(method, flag.ExitOnError)
	cf := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	e := cf.engine()
	defer e.Close()
	resp, err := e.Call(method, params)
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusOK {
		return fmt.Errorf("host rejected %s: %s", method, resp.Result)
	}
	if resp.Result != "" {
		fmt.Println(resp.Result)
	} else {
		fmt.Println("ok")
	}
	return nil
}

func refreshCommand(args []string) error {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	cf := addCommonFlags(fs)
	force := fs.Bool("force", false, "Force a full reimport")
	if err := fs.Parse(args); err != nil {
		return err
	}

	params, err := json.Marshal(map[string]any{"force": *force})
	if err != nil {
		return err
	}
	e := cf.engine()
	defer e.Close()
	resp, err := e.Call("refresh", params)
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusOK {
		return fmt.Errorf("host rejected refresh: %s", resp.Result)
	}
	fmt.Println("refresh acknowledged")
	return nil
}

func logsCommand(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	cf := addCommonFlags(fs)
	count := fs.Int("count", 50, "Number of entries to fetch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	params, err := json.Marshal(map[string]any{"count": *count})
	if err != nil {
		return err
	}
	e := cf.engine()
	defer e.Close()
	resp, err := e.Call("log_history", params)
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusOK {
		return fmt.Errorf("host rejected log_history: %s", resp.Result)
	}

	var entries []history.Entry
	if err := json.Unmarshal([]byte(resp.Result), &entries); err != nil {
		return fmt.Errorf("parse history payload: %w", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		ts := time.UnixMilli(entry.LoggedAt).Format("15:04:05.000")
		fmt.Printf("%s %-7s %s\n", ts, entry.Level, entry.Message)
		if entry.Stack != "" {
			fmt.Printf("  %s\n", entry.Stack)
		}
	}
	return nil
}

func instancesCommand(args []string) error {
	fs := flag.NewFlagSet("instances", flag.ExitOnError)
	cf := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	descs, err := discovery.Scan(cf.dir)
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		fmt.Println("no live editor host instances")
		return nil
	}
	printInstances(descs)
	return nil
}

func watchCommand(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cf := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	w, err := discovery.NewWatcher(cf.dir, func(descs []discovery.Descriptor) {
		fmt.Printf("--- %s\n", time.Now().Format("15:04:05"))
		printInstances(descs)
	})
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Printf("watching %s (ctrl-c to stop)\n", cf.dir)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func printInstances(descs []discovery.Descriptor) {
	for _, d := range descs {
		started := time.UnixMilli(d.StartedAt).Format(time.RFC3339)
		fmt.Printf("pid %-8d protocol %-5s started %s  %s\n", d.PID, d.Version, started, d.ProjectRoot)
	}
}
