package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/view"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "profiles" {
		cmdProfiles(*jsonFlag)
		return
	}

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fail(err)
	}

	socketPath := profile.SocketPath(profileName)
	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "items":
		cmdItems(ctx, c, *jsonFlag)
	case "input":
		canSend, err := c.SetInput(ctx, strings.Join(args[1:], " "))
		check(err)
		fmt.Printf("Can send: %v\n", canSend)
	case "send":
		requireArgs(args, 2, "send <text>")
		id, err := c.Send(ctx, strings.Join(args[1:], " "))
		check(err)
		if id == "" {
			fmt.Println("Nothing to send.")
			return
		}
		fmt.Printf("Queued: %s\n", id)
	case "retry":
		requireArgs(args, 2, "retry <id>")
		check(c.Retry(ctx, args[1]))
		fmt.Println("Retrying.")
	case "cancel":
		requireArgs(args, 2, "cancel <id>")
		check(c.Cancel(ctx, args[1]))
		fmt.Println("Cancelled.")
	case "displayed":
		requireArgs(args, 2, "displayed <id>...")
		for _, id := range args[1:] {
			queued, err := c.MarkDisplayed(ctx, id)
			check(err)
			fmt.Printf("%-40s queued=%v\n", id, queued)
		}
	case "resync":
		check(c.Resync(ctx))
		fmt.Println("Resynced.")
	case "pause":
		state, err := c.Pause(ctx)
		check(err)
		fmt.Printf("State: %s\n", state)
	case "resume":
		state, err := c.Resume(ctx)
		check(err)
		fmt.Printf("State: %s\n", state)
	case "report":
		requireArgs(args, 2, "report <id> [reason]")
		check(c.Report(ctx, args[1], strings.Join(args[2:], " ")))
		fmt.Println("Reported.")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status              Show session state")
	fmt.Fprintln(os.Stderr, "  items               List chat items")
	fmt.Fprintln(os.Stderr, "  input <text>        Set composer text")
	fmt.Fprintln(os.Stderr, "  send <text>         Send a message")
	fmt.Fprintln(os.Stderr, "  retry <id>          Retry a failed message")
	fmt.Fprintln(os.Stderr, "  cancel <id>         Discard a failed message")
	fmt.Fprintln(os.Stderr, "  displayed <id>...   Report items as shown")
	fmt.Fprintln(os.Stderr, "  resync              Reload the chat from the server")
	fmt.Fprintln(os.Stderr, "  report <id> [why]   Report an incoming message")
	fmt.Fprintln(os.Stderr, "  pause               Suspend resyncs and flush read receipts")
	fmt.Fprintln(os.Stderr, "  resume              Resume and resync")
	fmt.Fprintln(os.Stderr, "  watch               Stream session events")
	fmt.Fprintln(os.Stderr, "  profiles            List known profiles")
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	st, err := c.GetState(ctx)
	check(err)
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Chat:     %s\n", st.ChatID)
	fmt.Printf("State:    %s\n", st.State)
	fmt.Printf("Loading:  %v\n", st.Loading)
	fmt.Printf("Error:    %s\n", st.Error)
	fmt.Printf("Items:    %d\n", st.ItemCount)
	fmt.Printf("Receipts: %d pending\n", st.PendingReceipts)
}

func cmdItems(ctx context.Context, c *client.Client, jsonOut bool) {
	items, err := c.ListItems(ctx)
	check(err)
	if jsonOut {
		outputJSON(items)
		return
	}
	if len(items) == 0 {
		fmt.Println("No items.")
		return
	}
	for _, it := range items {
		fmt.Println(formatItem(it))
	}
}

func formatItem(it client.Item) string {
	at := it.Date.Local().Format("15:04")
	switch it.Kind {
	case view.KindDivider:
		return fmt.Sprintf("----- %s -----", it.Date.Local().Format("Mon, 02 Jan 2006"))
	case view.KindOutgoingText:
		return fmt.Sprintf("%s  %-40s  > %s [%s]", at, it.ID, it.Text, it.Status)
	case view.KindIncomingText:
		text := it.Text
		switch {
		case it.Removed:
			text = "(removed)"
		case it.BeingModerated:
			text = "(under review)"
		}
		unread := ""
		if !it.IsRead {
			unread = " *"
		}
		return fmt.Sprintf("%s  %-40s  %s: %s%s", at, it.ID, senderLabel(it), text, unread)
	default:
		return fmt.Sprintf("%s  %-40s  -- %s", at, it.ID, it.Text)
	}
}

func senderLabel(it client.Item) string {
	if it.SenderName != "" {
		return it.SenderName
	}
	return it.SenderID
}

func cmdWatch(c *client.Client, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.WatchEvents(ctx, func(evt client.Event) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		fmt.Printf("%s  %-24s %v\n", evt.OccurredAt.Local().Format(time.TimeOnly), evt.Kind, evt.Payload)
		return nil
	})
	if err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		fail(err)
	}
}

type profileInfo struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	DaemonRunning bool   `json:"daemon_running"`
}

func cmdProfiles(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(profile.BaseDir(), "profiles"))
	if err != nil && !os.IsNotExist(err) {
		fail(err)
	}
	var profiles []profileInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		_, statErr := os.Stat(profile.SocketPath(e.Name()))
		profiles = append(profiles, profileInfo{
			Name:          e.Name(),
			Path:          profile.Dir(e.Name()),
			DaemonRunning: statErr == nil,
		})
	}
	if jsonOut {
		outputJSON(profiles)
		return
	}
	if len(profiles) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, p := range profiles {
		running := "stopped"
		if p.DaemonRunning {
			running = "running"
		}
		fmt.Printf("%-20s %s (%s)\n", p.Name, p.Path, running)
	}
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: chatctl %s\n", usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
