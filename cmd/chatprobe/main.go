// Package main implements a standalone end-to-end probe for the BrokerAdda
// chat gateway. It validates the full client journey against a running
// stack: health check, credential registration, WebSocket handshake and
// room join, echo materialization of sends, history backfill, and typing
// indicator relay.
//
// Usage:
//
//	go run ./cmd/chatprobe/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-redis localhost:6379] [-timeout 60s]
//
// Exit code 0 if all scenarios pass, 1 if any fail.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/brokeradda/chatkit/internal/chatclient"
	"github.com/brokeradda/chatkit/internal/history"
	"github.com/brokeradda/chatkit/internal/presence"
)

// scenarioResult holds the outcome of a single probe scenario.
type scenarioResult struct {
	name   string
	pass   bool
	detail string
}

func (r scenarioResult) tag() string {
	if r.pass {
		return "PASS"
	}
	return "FAIL"
}

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket gateway URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	redisAddr := flag.String("redis", "localhost:6379", "Redis address for participant registration")
	timeout := flag.Duration("timeout", 60*time.Second, "Global probe timeout")
	flag.Parse()

	fmt.Println("=== BrokerAdda Chat Gateway Probe ===")
	fmt.Printf("Gateway: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	results = append(results, checkHealth(ctx, *apiBase))

	// The remaining scenarios share two live sessions in one chat room.
	results = append(results, runChatScenarios(ctx, *wsURL, *apiBase, *redisAddr)...)

	fmt.Println()
	failed := 0
	for _, r := range results {
		fmt.Printf("[%s] %-40s %s\n", r.tag(), r.name, r.detail)
		if !r.pass {
			failed++
		}
	}

	fmt.Println()
	if failed > 0 {
		fmt.Printf("%d of %d scenarios FAILED\n", failed, len(results))
		os.Exit(1)
	}
	fmt.Printf("all %d scenarios passed\n", len(results))
}

// checkHealth verifies the gateway's /health endpoint answers 200.
func checkHealth(ctx context.Context, apiBase string) scenarioResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/health", nil)
	if err != nil {
		return scenarioResult{"health check", false, err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return scenarioResult{"health check", false, err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return scenarioResult{"health check", false, fmt.Sprintf("status %d: %s", resp.StatusCode, body)}
	}
	return scenarioResult{"health check", true, string(body)}
}

// probeParticipant bundles the identity and session of one probe client.
type probeParticipant struct {
	id         string
	credential string
	session    *chatclient.Session
}

// runChatScenarios registers two participants, opens a session for each in a
// shared chat, and exercises send echo, cross-delivery, and typing relay.
func runChatScenarios(ctx context.Context, wsURL, apiBase, redisAddr string) []scenarioResult {
	store, err := presence.NewStore(redisAddr)
	if err != nil {
		return []scenarioResult{{"participant registration", false, err.Error()}}
	}
	defer store.Close()

	chatID := "probe-" + uuid.New().String()
	agent := probeParticipant{id: "probe-agent-" + uuid.New().String(), credential: uuid.New().String()}
	buyer := probeParticipant{id: "probe-buyer-" + uuid.New().String(), credential: uuid.New().String()}

	if err := store.Register(ctx, agent.id, "Probe Agent", agent.credential); err != nil {
		return []scenarioResult{{"participant registration", false, err.Error()}}
	}
	if err := store.Register(ctx, buyer.id, "Probe Buyer", buyer.credential); err != nil {
		return []scenarioResult{{"participant registration", false, err.Error()}}
	}
	defer store.Delete(context.Background(), agent.id)
	defer store.Delete(context.Background(), buyer.id)

	results := []scenarioResult{{"participant registration", true, "two participants registered"}}

	fetcher := history.NewClient(apiBase)

	openSession := func(self, peer *probeParticipant) error {
		cfg := chatclient.SessionConfig{
			ChatID:        chatID,
			ParticipantID: self.id,
			Peer:          chatclient.Peer{ID: peer.id},
			Credential:    self.credential,
			Channel:       chatclient.DefaultChannelConfig(wsURL),
			Typing:        chatclient.DefaultTypingConfig(),
		}
		self.session = chatclient.NewSession(cfg, fetcher, nil)
		return self.session.Open(ctx)
	}

	if err := openSession(&agent, &buyer); err != nil {
		results = append(results, scenarioResult{"session open", false, "agent: " + err.Error()})
		return results
	}
	defer agent.session.Close()
	if err := openSession(&buyer, &agent); err != nil {
		results = append(results, scenarioResult{"session open", false, "buyer: " + err.Error()})
		return results
	}
	defer buyer.session.Close()

	if !waitFor(ctx, func() bool {
		return agent.session.State() == chatclient.SessionLive &&
			buyer.session.State() == chatclient.SessionLive
	}) {
		results = append(results, scenarioResult{"session open", false,
			fmt.Sprintf("states: agent=%s buyer=%s", agent.session.State(), buyer.session.State())})
		return results
	}
	results = append(results, scenarioResult{"session open", true, "both sessions live"})

	// Presence: live sessions must flag both participants online, and the
	// durable record written at registration must round-trip.
	agentOnline, _ := store.IsOnline(ctx, agent.id)
	buyerOnline, _ := store.IsOnline(ctx, buyer.id)
	rec, recErr := store.Get(ctx, agent.id)
	switch {
	case !agentOnline || !buyerOnline:
		results = append(results, scenarioResult{"presence flags", false,
			fmt.Sprintf("online: agent=%v buyer=%v", agentOnline, buyerOnline)})
	case recErr != nil || rec == nil || rec.DisplayName != "Probe Agent":
		results = append(results, scenarioResult{"presence flags", false,
			fmt.Sprintf("record round-trip: rec=%+v err=%v", rec, recErr)})
	default:
		results = append(results, scenarioResult{"presence flags", true, "both participants online"})
	}

	// Send from the agent; the materialized record must appear in BOTH
	// stores with a gateway-assigned ID.
	text := "probe message " + uuid.New().String()
	if err := agent.session.Send(text, nil, nil); err != nil {
		results = append(results, scenarioResult{"send echo", false, err.Error()})
		return results
	}

	sawText := func(s *chatclient.Session) bool {
		for _, m := range s.Messages() {
			if m.Text == text && m.ID != "" && m.From == agent.id {
				return true
			}
		}
		return false
	}
	if waitFor(ctx, func() bool { return sawText(agent.session) }) {
		results = append(results, scenarioResult{"send echo", true, "sender materialized via echo"})
	} else {
		results = append(results, scenarioResult{"send echo", false, "message never echoed to sender"})
	}
	if waitFor(ctx, func() bool { return sawText(buyer.session) }) {
		results = append(results, scenarioResult{"cross delivery", true, "peer received the message"})
	} else {
		results = append(results, scenarioResult{"cross delivery", false, "message never reached peer"})
	}

	// History backfill: a fresh fetch must include the archived message.
	msgs, err := fetcher.FetchMessages(ctx, chatID, buyer.credential)
	found := false
	for _, m := range msgs {
		if m.Text == text {
			found = true
		}
	}
	if err == nil && found {
		results = append(results, scenarioResult{"history backfill", true, fmt.Sprintf("%d messages archived", len(msgs))})
	} else {
		results = append(results, scenarioResult{"history backfill", false, fmt.Sprintf("found=%v err=%v", found, err)})
	}

	// Typing relay: agent keystrokes must surface as peer typing on the
	// buyer side, and never on the agent's own side.
	agent.session.Keystroke()
	if waitFor(ctx, func() bool { return buyer.session.PeerIsTyping() }) && !agent.session.PeerIsTyping() {
		results = append(results, scenarioResult{"typing relay", true, "peer indicator shown on buyer only"})
	} else {
		results = append(results, scenarioResult{"typing relay", false,
			fmt.Sprintf("buyer_sees=%v agent_sees=%v", buyer.session.PeerIsTyping(), agent.session.PeerIsTyping())})
	}

	return results
}

// waitFor polls cond every 50ms until it holds, the context expires, or 10s
// pass.
func waitFor(ctx context.Context, cond func() bool) bool {
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}
