// Operator CLI for an agentchat server. Read commands talk to the HTTP
// sidecar; admin commands add the X-Admin-Key header; say and listen speak
// the websocket protocol through the client SDK.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/agentchat/server/pkg/sdk"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	base := os.Getenv("AGENTCHAT_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	base = strings.TrimRight(base, "/")
	adminKey := os.Getenv("AGENTCHAT_ADMIN_KEY")

	switch os.Args[1] {
	case "stats":
		cmdStats(base)
	case "agents":
		cmdAgents(base)
	case "channels":
		cmdChannels(base)
	case "rep":
		cmdRep(base)
	case "audit":
		cmdAudit(base)
	case "migrate":
		cmdMigrate(base, adminKey)
	case "motd":
		cmdMotd(base, adminKey)
	case "keygen":
		cmdKeygen()
	case "say":
		cmdSay(base)
	case "listen":
		cmdListen(base)
	case "version":
		fmt.Printf("agentchat-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`agentchat CLI v` + version + `

Usage: agentchat <command> [flags]

Commands:
  stats     Show server counters
  agents    List online agents
  channels  List channels
  rep       Get an agent's reputation       (--agent @id)
  audit     Dump a dispute's audit chain    (--dispute id [--validate])
  migrate   Move reputation to a new id     (--old @a --new @b)
  motd      Set the message of the day      (--set "text")
  keygen    Generate a persistent identity  (--out path)
  say       Send one message                (--to #chan|@id --message "hi")
  listen    Tail a channel                  (--channel #chan)
  version   Print version
  help      Show this help

Environment:
  AGENTCHAT_URL        Server base URL (default: http://localhost:8080)
  AGENTCHAT_WS_URL     Websocket endpoint (default: derived from AGENTCHAT_URL)
  AGENTCHAT_ADMIN_KEY  Admin key for migrate and motd
  AGENTCHAT_KEY_FILE   Key file for say and listen (default: ephemeral)

Examples:
  agentchat stats
  agentchat rep --agent @9f3c2a1b8d4e6f70
  agentchat audit --dispute disp-42 --validate
  agentchat migrate --old @oldid0000000000 --new @newid0000000000
  agentchat keygen --out agent.key
  agentchat say --to "#general" --message "deploy finished"`)
}

// ----------------------------------------------------------------
// read commands
// ----------------------------------------------------------------

func cmdStats(base string) {
	resp := mustRequest("GET", base+"/api/v1/stats", nil, "")

	var stats map[string]any
	json.Unmarshal(resp, &stats)

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pretty, _ := json.Marshal(stats[k])
		fmt.Printf("%-22s %s\n", k, pretty)
	}
}

func cmdAgents(base string) {
	resp := mustRequest("GET", base+"/api/v1/agents", nil, "")

	var result struct {
		Agents []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Presence string `json:"presence"`
			Status   string `json:"status"`
			Verified bool   `json:"verified"`
		} `json:"agents"`
	}
	json.Unmarshal(resp, &result)

	if len(result.Agents) == 0 {
		fmt.Println("No agents online.")
		return
	}
	fmt.Printf("%-20s %-16s %-8s %-4s %s\n", "AGENT", "NAME", "PRESENCE", "VRF", "STATUS")
	fmt.Println("----------------------------------------------------------------")
	for _, a := range result.Agents {
		vrf := ""
		if a.Verified {
			vrf = "✓"
		}
		fmt.Printf("%-20s %-16s %-8s %-4s %s\n", a.ID, a.Name, a.Presence, vrf, a.Status)
	}
}

func cmdChannels(base string) {
	resp := mustRequest("GET", base+"/api/v1/channels", nil, "")

	var result struct {
		Channels []struct {
			Name         string `json:"name"`
			Members      int    `json:"members"`
			InviteOnly   bool   `json:"invite_only"`
			VerifiedOnly bool   `json:"verified_only"`
		} `json:"channels"`
	}
	json.Unmarshal(resp, &result)

	if len(result.Channels) == 0 {
		fmt.Println("No channels.")
		return
	}
	fmt.Printf("%-24s %-8s %s\n", "CHANNEL", "MEMBERS", "FLAGS")
	fmt.Println("------------------------------------------------")
	for _, c := range result.Channels {
		var flags []string
		if c.InviteOnly {
			flags = append(flags, "invite-only")
		}
		if c.VerifiedOnly {
			flags = append(flags, "verified-only")
		}
		fmt.Printf("%-24s %-8d %s\n", c.Name, c.Members, strings.Join(flags, ","))
	}
}

func cmdRep(base string) {
	agent := scanFlag("--agent")
	if agent == "" {
		fmt.Fprintln(os.Stderr, "Usage: agentchat rep --agent <@id>")
		os.Exit(1)
	}

	resp := mustRequest("GET", base+"/api/v1/reputation/"+agent, nil, "")

	var result struct {
		AgentID      string `json:"agent_id"`
		Rating       int    `json:"rating"`
		Transactions int    `json:"transactions"`
	}
	json.Unmarshal(resp, &result)

	fmt.Printf("Agent:         %s\nRating:        %d\nTransactions:  %d\n",
		result.AgentID, result.Rating, result.Transactions)
}

func cmdAudit(base string) {
	dispute := scanFlag("--dispute")
	if dispute == "" {
		fmt.Fprintln(os.Stderr, "Usage: agentchat audit --dispute <id> [--validate]")
		os.Exit(1)
	}

	if hasFlag("--validate") {
		resp := mustRequest("GET", base+"/api/v1/disputes/"+dispute+"/audit/validate", nil, "")
		var result struct {
			Valid    bool `json:"valid"`
			BrokenAt int  `json:"broken_at"`
		}
		json.Unmarshal(resp, &result)
		if result.Valid {
			fmt.Printf("✅ Chain intact: %s\n", dispute)
		} else {
			fmt.Printf("❌ Chain broken at record %d: %s\n", result.BrokenAt, dispute)
			os.Exit(1)
		}
		return
	}

	resp := mustRequest("GET", base+"/api/v1/disputes/"+dispute+"/audit", nil, "")
	var result struct {
		Records []struct {
			Type      string `json:"type"`
			AgentID   string `json:"agent_id"`
			Timestamp int64  `json:"timestamp"`
			Hash      string `json:"hash"`
		} `json:"records"`
	}
	json.Unmarshal(resp, &result)

	if len(result.Records) == 0 {
		fmt.Println("No records.")
		return
	}
	fmt.Printf("%-24s %-20s %-20s %s\n", "TIME", "TYPE", "AGENT", "HASH")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, r := range result.Records {
		ts := time.UnixMilli(r.Timestamp).UTC().Format(time.RFC3339)
		fmt.Printf("%-24s %-20s %-20s %.12s…\n", ts, r.Type, r.AgentID, r.Hash)
	}
}

// ----------------------------------------------------------------
// admin commands
// ----------------------------------------------------------------

func cmdMigrate(base, adminKey string) {
	oldID := scanFlag("--old")
	newID := scanFlag("--new")
	if oldID == "" || newID == "" {
		fmt.Fprintln(os.Stderr, "Usage: agentchat migrate --old <@id> --new <@id>")
		os.Exit(1)
	}
	requireAdminKey(adminKey)

	body, _ := json.Marshal(map[string]string{"old_id": oldID, "new_id": newID})
	mustRequest("POST", base+"/api/v1/admin/migrate", body, adminKey)
	fmt.Printf("✅ Migrated %s → %s\n", oldID, newID)
}

func cmdMotd(base, adminKey string) {
	motd := scanFlag("--set")
	if motd == "" {
		fmt.Fprintln(os.Stderr, `Usage: agentchat motd --set "text"`)
		os.Exit(1)
	}
	requireAdminKey(adminKey)

	body, _ := json.Marshal(map[string]string{"motd": motd})
	resp := mustRequest("POST", base+"/api/v1/admin/motd", body, adminKey)

	var result struct {
		Delivered int `json:"delivered"`
	}
	json.Unmarshal(resp, &result)
	fmt.Printf("✅ Motd updated, delivered to %d agent(s)\n", result.Delivered)
}

func requireAdminKey(adminKey string) {
	if adminKey == "" {
		fmt.Fprintln(os.Stderr, "Error: AGENTCHAT_ADMIN_KEY is not set")
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// keygen
// ----------------------------------------------------------------

func cmdKeygen() {
	out := scanFlag("--out")
	if out == "" {
		out = "agent.key"
	}
	if _, err := os.Stat(out); err == nil {
		fmt.Fprintf(os.Stderr, "Error: %s already exists, not overwriting\n", out)
		os.Exit(1)
	}

	keys, err := sdk.GenerateKeypair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Key generation failed: %v\n", err)
		os.Exit(1)
	}
	if err := keys.Save(out); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Wrote %s\n", out)
	fmt.Printf("Agent ID:  %s\n", keys.AgentID())
	fmt.Printf("Pubkey:    %s\n", keys.PublicKeyBase64())
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

// scanFlag finds "--name value" anywhere after the subcommand.
func scanFlag(name string) string {
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasFlag(name string) bool {
	for _, a := range os.Args[2:] {
		if a == name {
			return true
		}
	}
	return false
}

func mustRequest(method, url string, body []byte, adminKey string) []byte {
	resp, status, err := doRequest(method, url, body, adminKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}
	if status >= 400 {
		fmt.Fprintf(os.Stderr, "❌ %s (%d)\n", strings.TrimSpace(string(resp)), status)
		os.Exit(1)
	}
	return resp
}

func doRequest(method, url string, body []byte, adminKey string) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}
