package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/brokeradda/chatkit/internal/archive"
	"github.com/brokeradda/chatkit/internal/messaging"
	"github.com/brokeradda/chatkit/internal/metrics"
	"github.com/brokeradda/chatkit/internal/presence"
	"github.com/brokeradda/chatkit/internal/protocol"
	"github.com/brokeradda/chatkit/internal/ratelimit"
	"github.com/brokeradda/chatkit/internal/ws"

	"github.com/google/uuid"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	presenceStore, err := presence.NewStore(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(presenceStore.Client())

	// --- Postgres ---
	pgDSN := "postgres://localhost/brokerchat?sslmode=disable"
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		pgDSN = v
	}
	db, err := sql.Open("postgres", pgDSN)
	if err != nil {
		log.Fatalf("failed to open Postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to reach Postgres: %v", err)
	}
	if err := archive.Migrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	archiveStore := archive.NewStore(db)

	log.Printf("BrokerAdda chat gateway starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections:  %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)

	// Declare server early so closures can capture it.
	var server *ws.Server

	dispatcher := ws.NewEventDispatcher()

	// subscribeToChat wires NATS fanout for one (connection, chat) pair.
	// Materialized messages are delivered to every room member including the
	// sender; typing relays skip the sender.
	subscribeToChat := func(conn *ws.Connection, chatID string) {
		participantID, _ := conn.Participant()
		connID := conn.ID

		if err := natsClient.SubscribeToChat(chatID, connID, func(event messaging.ChatEvent) {
			if event.Kind == messaging.KindTyping && event.From == participantID {
				return // typing signals never echo back to the sender
			}
			if err := server.SendMessage(connID, event.Data); err != nil {
				log.Printf("[chat-sub] deliver to conn=%s failed: %v", connID, err)
				return
			}
			if event.Kind == messaging.KindMessage {
				metrics.MessagesTotal.WithLabelValues("delivered").Inc()
			}
		}); err != nil {
			log.Printf("[chat-sub] subscribe chat=%s for conn=%s FAILED: %v", chatID, connID, err)
		}
	}

	// -----------------------------------------------------------------------
	// auth — verify a participant credential, mark the participant online
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAuth, func(conn *ws.Connection, ev interface{}) {
		authEv, ok := ev.(protocol.AuthEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		allowed, err := limiter.Allow(ctx, authEv.ParticipantID, ratelimit.RuleConnect)
		if err == nil && !allowed {
			dispatcher.SendError(conn, protocol.CodeRateLimited, "too many connection attempts")
			return
		}

		valid, err := presenceStore.VerifyCredential(ctx, authEv.ParticipantID, authEv.Credential)
		if err != nil {
			log.Printf("[auth] verify error participant=%s: %v", authEv.ParticipantID, err)
			dispatcher.SendError(conn, protocol.CodeInternal, "credential check failed")
			return
		}
		if !valid {
			dispatcher.SendError(conn, protocol.CodeAuthFailed, "invalid credential")
			return
		}

		conn.SetAuthenticated(authEv.ParticipantID)
		if err := presenceStore.SetOnline(ctx, authEv.ParticipantID); err != nil {
			log.Printf("[auth] set online failed participant=%s: %v", authEv.ParticipantID, err)
		}

		resp, _ := protocol.NewGatewayEvent(protocol.TypeAuthOK, protocol.AuthOKEvent{
			ParticipantID: authEv.ParticipantID,
		})
		if err := conn.WriteMessage(resp); err != nil {
			log.Printf("[auth] ack write failed conn=%s: %v", conn.ID, err)
		}
		log.Printf("auth ok participant=%s conn=%s", authEv.ParticipantID, conn.ID)
	})

	// -----------------------------------------------------------------------
	// join — enter a chat room and start receiving its events
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, ev interface{}) {
		joinEv, ok := ev.(protocol.JoinEvent)
		if !ok || joinEv.ChatID == "" {
			return
		}

		server.Connections().Join(joinEv.ChatID, conn)
		subscribeToChat(conn, joinEv.ChatID)
		metrics.OpenRooms.Set(float64(server.Connections().RoomCount()))

		resp, _ := protocol.NewGatewayEvent(protocol.TypeJoined, protocol.JoinedEvent{
			ChatID: joinEv.ChatID,
		})
		if err := conn.WriteMessage(resp); err != nil {
			log.Printf("[join] ack write failed conn=%s: %v", conn.ID, err)
		}

		participantID, _ := conn.Participant()
		log.Printf("join participant=%s chat=%s conn=%s", participantID, joinEv.ChatID, conn.ID)
	})

	// -----------------------------------------------------------------------
	// typing — relay a typing signal to the rest of the room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, ev interface{}) {
		typingEv, ok := ev.(protocol.TypingEvent)
		if !ok || typingEv.ChatID == "" {
			return
		}
		participantID, _ := conn.Participant()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		// Typing signals are best-effort: over the limit they are dropped
		// silently rather than answered with an error.
		if allowed, err := limiter.Allow(ctx, participantID, ratelimit.RuleTyping); err == nil && !allowed {
			return
		}
		_ = presenceStore.RefreshOnline(ctx, participantID)

		data, _ := protocol.NewGatewayEvent(protocol.TypeTyping, protocol.PeerTypingEvent{
			ParticipantID: participantID,
			IsTyping:      typingEv.IsTyping,
		})
		if err := natsClient.PublishChatEvent(typingEv.ChatID, messaging.ChatEvent{
			Kind: messaging.KindTyping,
			From: participantID,
			Data: data,
		}); err != nil {
			log.Printf("[typing] publish failed chat=%s: %v", typingEv.ChatID, err)
			return
		}
		metrics.TypingSignalsTotal.Inc()
	})

	// -----------------------------------------------------------------------
	// send — materialize, archive, and broadcast a message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSend, func(conn *ws.Connection, ev interface{}) {
		sendEv, ok := ev.(protocol.SendEvent)
		if !ok || sendEv.ChatID == "" {
			return
		}
		participantID, _ := conn.Participant()
		start := time.Now()

		if err := protocol.ValidateSend(&sendEv); err != nil {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			dispatcher.SendError(conn, protocol.CodeEmptyMessage, err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		allowed, err := limiter.Allow(ctx, participantID, ratelimit.RuleSend)
		if err == nil && !allowed {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			retry := limiter.RetryAfter(ctx, participantID, ratelimit.RuleSend)
			dispatcher.SendError(conn, protocol.CodeRateLimited,
				fmt.Sprintf("message rate limit exceeded, retry in %s", retry.Round(time.Second)))
			return
		}
		_ = presenceStore.RefreshOnline(ctx, participantID)

		// The gateway is the authority for identity and ordering: it assigns
		// the message ID and timestamp, never the client.
		msg := protocol.Message{
			ID:              uuid.New().String(),
			ChatID:          sendEv.ChatID,
			From:            participantID,
			To:              sendEv.To,
			Text:            sendEv.Text,
			Attachments:     sendEv.Attachments,
			StructuredCards: sendEv.StructuredCards,
			CreatedAt:       time.Now().UTC(),
		}

		if err := archiveStore.Insert(ctx, msg); err != nil {
			log.Printf("[send] archive failed chat=%s msg=%s: %v", msg.ChatID, msg.ID, err)
			dispatcher.SendError(conn, protocol.CodeInternal, "message could not be stored")
			return
		}

		data, _ := protocol.NewGatewayEvent(protocol.TypeMessage, protocol.MessageEvent{Message: msg})
		if err := natsClient.PublishChatEvent(msg.ChatID, messaging.ChatEvent{
			Kind: messaging.KindMessage,
			From: participantID,
			Data: data,
		}); err != nil {
			log.Printf("[send] publish failed chat=%s msg=%s: %v", msg.ChatID, msg.ID, err)
			dispatcher.SendError(conn, protocol.CodeInternal, "message could not be delivered")
			return
		}

		metrics.MessagesTotal.WithLabelValues("sent").Inc()
		metrics.SendLatency.Observe(time.Since(start).Seconds())
		log.Printf("[send] participant=%s chat=%s msg=%s text_len=%d",
			participantID, msg.ChatID, msg.ID, len(msg.Text))
	})

	server = ws.NewServer(config, dispatcher.Dispatch)

	// History REST endpoint: GET /chats/{chat_id}/messages. Token
	// introspection is handled upstream by the platform's API gateway; here
	// we only require that a bearer credential is present.
	server.Handle("/chats/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == "" {
			metrics.HistoryRequestsTotal.WithLabelValues("error").Inc()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		// Path shape: /chats/{chat_id}/messages
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "chats" || parts[2] != "messages" || parts[1] == "" {
			metrics.HistoryRequestsTotal.WithLabelValues("error").Inc()
			http.NotFound(w, r)
			return
		}
		chatID := parts[1]

		msgs, err := archiveStore.ListByChat(r.Context(), chatID, archive.DefaultHistoryLimit)
		if err != nil {
			log.Printf("[history] list failed chat=%s: %v", chatID, err)
			metrics.HistoryRequestsTotal.WithLabelValues("error").Inc()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		metrics.HistoryRequestsTotal.WithLabelValues("ok").Inc()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Success  bool               `json:"success"`
			Messages []protocol.Message `json:"messages"`
		}{Success: true, Messages: msgs})
	}))

	server.Handle("/metrics", metrics.Handler())

	// Disconnect cleanup: drop fanout subscriptions for every room the
	// connection was in and mark the participant offline.
	server.SetOnDisconnect(func(conn *ws.Connection, leftChats []string) {
		for _, chatID := range leftChats {
			_ = natsClient.UnsubscribeFromChat(chatID, conn.ID)
		}
		if participantID, ok := conn.Participant(); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := presenceStore.SetOffline(ctx, participantID); err != nil {
				log.Printf("[disconnect] set offline failed participant=%s: %v", participantID, err)
			}
			log.Printf("disconnect cleanup participant=%s conn=%s rooms=%d",
				participantID, conn.ID, len(leftChats))
		}
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
