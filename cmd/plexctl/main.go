// plexctl drives the gateway's worker-facing NATS topics from the command
// line: registering agents, sending heartbeats and task results, and tailing
// the event stream. Useful for poking at a gateway without a real worker.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
)

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "register":
		args := parseArgs(rest)
		if args["agent"] == "" || args["server"] == "" {
			fatal("--agent and --server are required")
		}
		maxTasks := 3
		if v := args["max-tasks"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				fatal("--max-tasks must be a positive integer")
			}
			maxTasks = n
		}
		var caps []string
		if args["caps"] != "" {
			caps = strings.Split(args["caps"], ",")
		}
		doRegister(natsURL, args["agent"], args["server"], caps, maxTasks)

	case "heartbeat":
		args := parseArgs(rest)
		if args["agent"] == "" {
			fatal("--agent is required")
		}
		doPublish(natsURL, fmt.Sprintf("agent.%s.heartbeat", args["agent"]), []byte(`{}`))
		fmt.Println("Heartbeat sent.")

	case "result":
		args := parseArgs(rest)
		if args["agent"] == "" || args["task"] == "" {
			fatal("--agent and --task are required")
		}
		quality := 1.0
		if v := args["quality"]; v != "" {
			q, err := strconv.ParseFloat(v, 64)
			if err != nil {
				fatal("--quality must be a number")
			}
			quality = q
		}
		doResult(natsURL, args["agent"], args["task"], args["json"], args["error"], quality)

	case "watch":
		doWatch(natsURL)

	default:
		fatal("unknown command: %s", command)
	}
}

func doRegister(natsURL, agentID, serverID string, caps []string, maxTasks int) {
	conn := connect(natsURL)
	defer conn.Close()

	data, err := json.Marshal(map[string]any{
		"agent_id":             agentID,
		"server_id":            serverID,
		"capabilities":         caps,
		"max_concurrent_tasks": maxTasks,
	})
	if err != nil {
		fatal("marshal registration: %v", err)
	}

	msg, err := conn.Request("agent.register", data, 10*time.Second)
	if err != nil {
		fatal("register: %v", err)
	}

	var resp struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(msg.Data, &resp); err != nil || !resp.OK {
		fatal("registration rejected: %s", msg.Data)
	}
	fmt.Printf("Agent %s registered on %s.\n", agentID, serverID)
}

func doResult(natsURL, agentID, taskID, resultJSON, errText string, quality float64) {
	result := map[string]any{}
	if resultJSON != "" {
		if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
			fatal("--json is not valid JSON: %v", err)
		}
	}

	data, err := json.Marshal(map[string]any{
		"task_id":       taskID,
		"result":        result,
		"quality_score": quality,
		"error":         errText,
	})
	if err != nil {
		fatal("marshal result: %v", err)
	}

	doPublish(natsURL, fmt.Sprintf("agent.%s.result", agentID), data)
	fmt.Printf("Result for task %s sent.\n", taskID)
}

func doWatch(natsURL string) {
	conn := connect(natsURL)
	defer conn.Close()

	_, err := conn.Subscribe("events.>", func(msg *nats.Msg) {
		fmt.Printf("%s  %s\n", msg.Subject, msg.Data)
	})
	if err != nil {
		fatal("subscribe: %v", err)
	}

	fmt.Fprintln(os.Stderr, "Watching events, Ctrl-C to stop.")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func doPublish(natsURL, topic string, data []byte) {
	conn := connect(natsURL)
	defer conn.Close()

	if err := conn.Publish(topic, data); err != nil {
		fatal("publish: %v", err)
	}
	if err := conn.Flush(); err != nil {
		fatal("flush: %v", err)
	}
}

func connect(natsURL string) *nats.Conn {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		fatal("connect to nats: %v", err)
	}
	return conn
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  plexctl register --agent <id> --server <id> [--caps a,b] [--max-tasks n]`)
	fmt.Fprintln(os.Stderr, `  plexctl heartbeat --agent <id>`)
	fmt.Fprintln(os.Stderr, `  plexctl result --agent <id> --task <id> [--json '{...}'] [--quality 0.9] [--error "..."]`)
	fmt.Fprintln(os.Stderr, "  plexctl watch")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
