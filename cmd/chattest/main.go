// Command chattest drives load against the realtime gateway.
//
// Each client authenticates with a locally minted token, joins one
// conversation and sends a message every interval. The users must already
// be members of the conversation (see cmd/seed). The report includes
// send-to-ack latency percentiles.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

type counters struct {
	dialed, connected, refused atomic.Int64
	sent, acked, delivered     atomic.Int64
	rateLimited, failed        atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (c *counters) observeAck(d time.Duration) {
	c.acked.Add(1)
	c.mu.Lock()
	c.latencies = append(c.latencies, d)
	c.mu.Unlock()
}

func (c *counters) percentile(p float64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latencies) == 0 {
		return 0
	}
	sorted := slices.Clone(c.latencies)
	slices.Sort(sorted)
	return sorted[int(p*float64(len(sorted)-1))]
}

func (c *counters) report() {
	fmt.Printf("\nsockets   dialed=%d connected=%d refused=%d\n",
		c.dialed.Load(), c.connected.Load(), c.refused.Load())
	fmt.Printf("messages  sent=%d acked=%d delivered=%d rate_limited=%d errors=%d\n",
		c.sent.Load(), c.acked.Load(), c.delivered.Load(), c.rateLimited.Load(), c.failed.Load())
	fmt.Printf("ack       p50=%v p95=%v p99=%v\n",
		c.percentile(0.50), c.percentile(0.95), c.percentile(0.99))
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type run struct {
	endpoint     string
	conversation string
	interval     time.Duration
	stats        *counters
}

func main() {
	host := flag.String("host", "localhost:8375", "API server host")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret shared with the server")
	users := flag.String("users", "", "Comma-separated user ids to connect as")
	conversation := flag.String("conversation", "", "Conversation id every client joins")
	clients := flag.Int("clients", 50, "Number of concurrent sockets")
	interval := flag.Duration("interval", 5*time.Second, "Delay between messages per socket")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	flag.Parse()

	ids := splitIDs(*users)
	if len(ids) == 0 || *conversation == "" || *secret == "" {
		log.Fatal("-users, -conversation and -secret are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	r := &run{
		endpoint:     (&url.URL{Scheme: "ws", Host: *host, Path: "/api/ws"}).String(),
		conversation: *conversation,
		interval:     *interval,
		stats:        &counters{},
	}
	log.Printf("chattest: %d sockets over %d users against %s for %v", *clients, len(ids), *host, *duration)

	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		token, err := mintToken(*secret, ids[i%len(ids)])
		if err != nil {
			log.Fatalf("mint token: %v", err)
		}
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.client(ctx, token, n)
		}(i)
		time.Sleep(50 * time.Millisecond)
	}

	<-ctx.Done()
	log.Printf("chattest: stopping (%v)", context.Cause(ctx))
	wg.Wait()
	r.stats.report()
}

func splitIDs(raw string) []string {
	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func mintToken(secret, userID string) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte(secret))
}

func writeFrame(c *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.WriteJSON(frame{Event: event, Data: raw})
}

// client runs one socket until ctx ends. Frames from one socket are
// handled in order, so acks match sends first-in first-out.
func (r *run) client(ctx context.Context, token string, n int) {
	st := r.stats
	st.dialed.Add(1)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, r.endpoint+"?token="+url.QueryEscape(token), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		st.refused.Add(1)
		return
	}
	defer func() { _ = conn.Close() }()

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Event != "connection:ok" {
		st.refused.Add(1)
		return
	}
	st.connected.Add(1)

	if err := writeFrame(conn, "conversation:join", map[string]string{"conversationId": r.conversation}); err != nil {
		st.failed.Add(1)
		return
	}

	var (
		mu      sync.Mutex
		pending []time.Time
	)
	popPending := func() (time.Time, bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(pending) == 0 {
			return time.Time{}, false
		}
		t := pending[0]
		pending = pending[1:]
		return t, true
	}

	go func() {
		for {
			var in frame
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			switch in.Event {
			case "message:new":
				st.delivered.Add(1)
			case "message:ack":
				if sentAt, ok := popPending(); ok {
					st.observeAck(time.Since(sentAt))
				}
			case "error:message":
				_, _ = popPending()
				var p struct {
					Code string `json:"code"`
				}
				_ = json.Unmarshal(in.Data, &p)
				if p.Code == "RATE_LIMITED" {
					st.rateLimited.Add(1)
				} else {
					st.failed.Add(1)
				}
			}
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for seq := 1; ; seq++ {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
		}

		mu.Lock()
		pending = append(pending, time.Now())
		mu.Unlock()
		err := writeFrame(conn, "message:send", map[string]any{
			"conversationId": r.conversation,
			"kind":           "TEXT",
			"content":        map[string]string{"text": fmt.Sprintf("load %d/%d", n, seq)},
		})
		if err != nil {
			st.failed.Add(1)
			return
		}
		st.sent.Add(1)
	}
}
