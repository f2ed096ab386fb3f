package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/agentchat/server/pkg/sdk"
)

// wsEndpoint derives the websocket URL from the HTTP base unless the
// operator pins one explicitly.
func wsEndpoint(base string) string {
	if ws := os.Getenv("AGENTCHAT_WS_URL"); ws != "" {
		return ws
	}
	ws := base
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/ws"
}

// dialAgent connects with the operator's key file when one is configured,
// ephemeral otherwise.
func dialAgent(ctx context.Context, base, name string) *sdk.Client {
	conf := sdk.Config{URL: wsEndpoint(base), Name: name}
	if keyFile := os.Getenv("AGENTCHAT_KEY_FILE"); keyFile != "" {
		keys, err := sdk.LoadKeypair(keyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			os.Exit(1)
		}
		conf.Keys = keys
	}

	client, err := sdk.Dial(ctx, conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Connect failed: %v\n", err)
		os.Exit(1)
	}
	return client
}

func cmdSay(base string) {
	to := scanFlag("--to")
	message := scanFlag("--message")
	if to == "" || message == "" {
		fmt.Fprintln(os.Stderr, `Usage: agentchat say --to <#channel|@agent> --message "text"`)
		os.Exit(1)
	}
	name := scanFlag("--name")
	if name == "" {
		name = "operator"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := dialAgent(ctx, base, name)
	defer client.Close()

	if strings.HasPrefix(to, "#") {
		if err := client.Join(to); err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			os.Exit(1)
		}
		if _, err := client.Expect(ctx, sdk.TypeJoined); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Join failed: %v\n", err)
			os.Exit(1)
		}
	}

	if err := client.Say(to, message); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	// The fanout echo is the delivery receipt; direct messages to another
	// agent are echoed back to the sender too.
	self := client.AgentID()
	for {
		ev, err := client.Expect(ctx, sdk.TypeMsg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Not delivered: %v\n", err)
			os.Exit(1)
		}
		var m sdk.Msg
		if ev.Decode(&m) != nil {
			continue
		}
		if m.From == self && m.Content == message && !m.Replay {
			fmt.Printf("✅ Delivered to %s as %s\n", to, self)
			return
		}
	}
}

func cmdListen(base string) {
	channel := scanFlag("--channel")
	if channel == "" {
		fmt.Fprintln(os.Stderr, "Usage: agentchat listen --channel <#channel>")
		os.Exit(1)
	}
	name := scanFlag("--name")
	if name == "" {
		name = "operator"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client := dialAgent(ctx, base, name)
	defer client.Close()

	if err := client.Join(channel); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	if _, err := client.Expect(ctx, sdk.TypeJoined); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Join failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Listening on %s as %s (ctrl-c to stop)\n", channel, client.AgentID())

	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				if err := client.Err(); err != nil {
					fmt.Fprintf(os.Stderr, "❌ Connection lost: %v\n", err)
					os.Exit(1)
				}
				return
			}
			printEvent(channel, ev)
		case <-ctx.Done():
			fmt.Println("\nBye.")
			return
		}
	}
}

// printEvent renders the frames worth seeing in a tail; everything else is
// protocol chatter.
func printEvent(channel string, ev sdk.Event) {
	switch ev.Type {
	case sdk.TypeMsg:
		var m sdk.Msg
		if ev.Decode(&m) != nil {
			return
		}
		ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
		tag := ""
		if m.Replay {
			tag = " (replay)"
		}
		fmt.Printf("[%s]%s <%s> %s\n", ts, tag, displayName(m), m.Content)
	case sdk.TypeAgentJoined:
		var j struct {
			Agent string `json:"agent"`
			Name  string `json:"name"`
		}
		if ev.Decode(&j) == nil {
			fmt.Printf("--- %s joined %s\n", j.Agent, channel)
		}
	case sdk.TypeAgentLeft:
		var l struct {
			Agent string `json:"agent"`
		}
		if ev.Decode(&l) == nil {
			fmt.Printf("--- %s left %s\n", l.Agent, channel)
		}
	case sdk.TypeMotdUpdate:
		var m struct {
			Motd string `json:"motd"`
		}
		if ev.Decode(&m) == nil {
			fmt.Printf("*** motd: %s\n", m.Motd)
		}
	case sdk.TypeError:
		var e sdk.ErrorFrame
		if ev.Decode(&e) == nil {
			fmt.Fprintf(os.Stderr, "!!! %s (%s)\n", e.Message, e.Code)
		}
	}
}

func displayName(m sdk.Msg) string {
	if m.FromName != "" && m.FromName != strings.TrimPrefix(m.From, "@") {
		return fmt.Sprintf("%s %s", m.From, m.FromName)
	}
	return m.From
}
