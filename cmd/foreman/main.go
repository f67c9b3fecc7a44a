package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/stoneworks/foreman/internal/daemon"
	"github.com/stoneworks/foreman/internal/model"
	"github.com/stoneworks/foreman/internal/uds"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "add":
		runAdd(os.Args[2:])
	case "dep":
		runDep(os.Args[2:])
	case "undep":
		runUndep(os.Args[2:])
	case "convoy":
		runConvoy(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "ready":
		runReady(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "resubmit":
		runResubmit(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "scan":
		sendAndPrint("scan", nil)
	case "ping":
		sendAndPrint("ping", nil)
	case "shutdown":
		sendAndPrint("shutdown", nil)
	case "version":
		fmt.Printf("foreman %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `foreman - work-item coordination daemon

usage: foreman <command> [options]

setup:
  init [dir]                       initialize a .foreman/ directory
  daemon                           run the coordinator (foreground)

work items:
  add --title <t> [--payload <p>] [--priority <n>] [--needs id,id] [--convoy id]
  dep <dependent> <dependency>     add a dependency edge
  undep <dependent> <dependency>   remove a dependency edge
  cancel <id> [--reason <r>]       cancel an item
  resubmit <id> --branch <ref> [--target <ref>]

convoys:
  convoy create --name <n> [--members id,id]
  convoy add <convoy> <item>
  convoy depends <convoy> <prerequisite>
  convoy status <id>

inspection:
  status [id] [--json]             item detail or full snapshot
  ready                            current ready set
  scan                             trigger a dispatch pass

worker runtime:
  worker heartbeat <worker_id>
  worker complete <worker_id> --branch <ref> [--target <ref>]
  worker fail <worker_id> [--reason <r>]

daemon control:
  ping | shutdown | version | help`)
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	foremanDir, err := daemon.Init(dir, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized %s\n", foremanDir)
}

func runDaemon(_ []string) {
	foremanDir := mustForemanDir()
	cfg, err := model.LoadConfig(filepath.Join(foremanDir, "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(foremanDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runAdd(args []string) {
	var title, payload, convoy string
	var needs []string
	priority := 2

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--title":
			i = requireValue(args, i, "--title")
			title = args[i]
		case "--payload":
			i = requireValue(args, i, "--payload")
			payload = args[i]
		case "--priority":
			i = requireValue(args, i, "--priority")
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --priority value: %s\n", args[i])
				os.Exit(1)
			}
			priority = n
		case "--needs":
			i = requireValue(args, i, "--needs")
			needs = splitList(args[i])
		case "--convoy":
			i = requireValue(args, i, "--convoy")
			convoy = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if title == "" {
		fmt.Fprintln(os.Stderr, "usage: foreman add --title <t> [--payload <p>] [--priority <n>] [--needs id,id] [--convoy id]")
		os.Exit(1)
	}

	sendAndPrint("add_item", map[string]any{
		"title":    title,
		"payload":  payload,
		"priority": priority,
		"needs":    needs,
		"convoy":   convoy,
	})
}

func runDep(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: foreman dep <dependent> <dependency>")
		os.Exit(1)
	}
	sendAndPrint("add_dep", map[string]string{
		"dependent":  args[0],
		"dependency": args[1],
	})
}

func runUndep(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: foreman undep <dependent> <dependency>")
		os.Exit(1)
	}
	sendAndPrint("remove_dep", map[string]string{
		"dependent":  args[0],
		"dependency": args[1],
	})
}

func runConvoy(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: foreman convoy <create|add|depends|status> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "create":
		runConvoyCreate(args[1:])
	case "add":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: foreman convoy add <convoy> <item>")
			os.Exit(1)
		}
		sendAndPrint("convoy_add_member", map[string]string{
			"convoy":  args[1],
			"item_id": args[2],
		})
	case "depends":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: foreman convoy depends <convoy> <prerequisite>")
			os.Exit(1)
		}
		sendAndPrint("convoy_depends", map[string]string{
			"convoy":     args[1],
			"depends_on": args[2],
		})
	case "status":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: foreman convoy status <id>")
			os.Exit(1)
		}
		sendAndPrint("convoy_status", map[string]string{"id": args[1]})
	default:
		fmt.Fprintf(os.Stderr, "unknown convoy subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: foreman convoy <create|add|depends|status> [options]")
		os.Exit(1)
	}
}

func runConvoyCreate(args []string) {
	var name string
	var members []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			i = requireValue(args, i, "--name")
			name = args[i]
		case "--members":
			i = requireValue(args, i, "--members")
			members = splitList(args[i])
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "usage: foreman convoy create --name <n> [--members id,id]")
		os.Exit(1)
	}

	sendAndPrint("create_convoy", map[string]any{
		"name":    name,
		"members": members,
	})
}

func runStatus(args []string) {
	var id string
	for _, a := range args {
		switch a {
		case "--json":
			// Output is JSON either way; kept for script compatibility.
		default:
			if strings.HasPrefix(a, "--") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: foreman status [id] [--json]\n", a)
				os.Exit(1)
			}
			id = a
		}
	}

	if id != "" {
		sendAndPrint("status", map[string]string{"id": id})
		return
	}
	sendAndPrint("status", map[string]string{})
}

func runReady(_ []string) {
	sendAndPrint("ready", nil)
}

func runCancel(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: foreman cancel <id> [--reason <r>]")
		os.Exit(1)
	}
	id := args[0]
	var reason string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--reason":
			i = requireValue(args, i, "--reason")
			reason = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	sendAndPrint("cancel", map[string]string{"id": id, "reason": reason})
}

func runResubmit(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: foreman resubmit <id> --branch <ref> [--target <ref>]")
		os.Exit(1)
	}
	id := args[0]
	var branch, target string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--branch":
			i = requireValue(args, i, "--branch")
			branch = args[i]
		case "--target":
			i = requireValue(args, i, "--target")
			target = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if branch == "" {
		fmt.Fprintln(os.Stderr, "usage: foreman resubmit <id> --branch <ref> [--target <ref>]")
		os.Exit(1)
	}
	sendAndPrint("resubmit", map[string]string{
		"id":         id,
		"branch_ref": branch,
		"target_ref": target,
	})
}

func runWorker(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: foreman worker <heartbeat|complete|fail> <worker_id> [options]")
		os.Exit(1)
	}
	verb, workerID := args[0], args[1]
	rest := args[2:]

	switch verb {
	case "heartbeat":
		sendAndPrint("heartbeat", map[string]string{"worker_id": workerID})
	case "complete":
		var branch, target string
		for i := 0; i < len(rest); i++ {
			switch rest[i] {
			case "--branch":
				i = requireValue(rest, i, "--branch")
				branch = rest[i]
			case "--target":
				i = requireValue(rest, i, "--target")
				target = rest[i]
			default:
				fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
				os.Exit(1)
			}
		}
		if branch == "" {
			fmt.Fprintln(os.Stderr, "usage: foreman worker complete <worker_id> --branch <ref> [--target <ref>]")
			os.Exit(1)
		}
		sendAndPrint("report_complete", map[string]string{
			"worker_id":  workerID,
			"branch_ref": branch,
			"target_ref": target,
		})
	case "fail":
		var reason string
		for i := 0; i < len(rest); i++ {
			switch rest[i] {
			case "--reason":
				i = requireValue(rest, i, "--reason")
				reason = rest[i]
			default:
				fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
				os.Exit(1)
			}
		}
		sendAndPrint("report_failure", map[string]string{
			"worker_id": workerID,
			"reason":    reason,
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown worker subcommand: %s\n", verb)
		fmt.Fprintln(os.Stderr, "usage: foreman worker <heartbeat|complete|fail> <worker_id> [options]")
		os.Exit(1)
	}
}

// sendAndPrint sends one command to the daemon and prints the response data
// as indented JSON.
func sendAndPrint(command string, params any) {
	foremanDir := mustForemanDir()
	client := uds.NewClient(filepath.Join(foremanDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
	if !resp.Success {
		code, msg := "UNKNOWN", "no error detail"
		if resp.Error != nil {
			code = resp.Error.Code
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", command, code, msg)
		os.Exit(1)
	}
	if len(resp.Data) > 0 {
		out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
		fmt.Println(string(out))
	}
}

func mustForemanDir() string {
	foremanDir, err := daemon.FindForemanDir(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return foremanDir
}

func requireValue(args []string, i int, flag string) int {
	if i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return i + 1
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
