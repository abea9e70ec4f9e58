package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go-listen/internal/logger"
	"go-listen/internal/protocol"
	"go-listen/internal/roomclient"
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	Username string `json:"username"`
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	wsURL := flag.String("ws", "ws://localhost:8080/ws", "websocket url")
	rooms := flag.Int("rooms", 50, "number of rooms")
	perRoom := flag.Int("listeners", 4, "listeners per room")
	msgCount := flag.Int("messages", 20, "chat messages per listener")
	auth := flag.Bool("auth", false, "register and log in each listener first")
	flag.Parse()

	zl, err := logger.New("warn", "console")
	if err != nil {
		log.Fatalf("❌ Logger setup failed: %v", err)
	}

	log.Printf("🔥 STARTING STRESS TEST: %d rooms x %d listeners, %d messages each...", *rooms, *perRoom, *msgCount)
	start := time.Now()
	var st stats
	var wg sync.WaitGroup

	for i := 0; i < *rooms; i++ {
		wg.Add(1)
		go func(roomID int) {
			defer wg.Done()
			runRoom(zl, &st, *baseURL, *wsURL, roomID, *perRoom, *msgCount, *auth)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s: sent=%d received=%d failed=%d",
		time.Since(start).Round(time.Millisecond), st.sent.Load(), st.received.Load(), st.failed.Load())
}

// runRoom puts listeners in one room; the first one drives playback and
// everyone chats.
func runRoom(zl *zap.Logger, st *stats, baseURL, wsURL string, roomNum, listeners, msgCount int, auth bool) {
	roomID := fmt.Sprintf("load-%d", roomNum)
	sessions := make([]*roomclient.Session, 0, listeners)
	defer func() {
		for _, s := range sessions {
			st.received.Add(int64(s.Chat.Len()))
			s.Close()
		}
	}()

	for i := 0; i < listeners; i++ {
		name := fmt.Sprintf("u_%d_%d", roomNum, i)
		opts := roomclient.Options{Logger: zl}
		if auth {
			token := authenticate(baseURL, name, "password123")
			if token == "" {
				st.failed.Add(1)
				continue
			}
			opts.Token = token
		}

		s := roomclient.NewSession(protocol.MemberInfo{Name: name}, roomclient.SessionOptions{Logger: zl})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.Connect(ctx, wsURL, opts)
		cancel()
		if err != nil {
			log.Printf("❌ WS Connect Fail [%s]: %v", name, err)
			st.failed.Add(1)
			continue
		}
		if err := s.Join(roomID); err != nil {
			log.Printf("❌ Join Fail [%s]: %v", name, err)
			st.failed.Add(1)
			continue
		}
		sessions = append(sessions, s)
	}
	if len(sessions) == 0 {
		return
	}

	dj := sessions[0]
	dj.Player.SelectSong(&protocol.Song{
		ID:    fmt.Sprintf("track-%d", roomNum),
		Title: "Load Test Track",
		URL:   fmt.Sprintf("https://example.com/track-%d.mp3", roomNum),
	})

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *roomclient.Session) {
			defer wg.Done()
			for i := 0; i < msgCount; i++ {
				if _, ok := s.Chat.Send(fmt.Sprintf("LoadTest Msg %d", i)); ok {
					st.sent.Add(1)
				}
				// Small sleep to prevent instant localhost bottleneck (simulate real network)
				time.Sleep(10 * time.Millisecond)
			}
		}(s)
	}
	for i := 0; i < msgCount/5; i++ {
		dj.Player.TogglePlay()
		time.Sleep(50 * time.Millisecond)
	}
	wg.Wait()

	// Let the last relayed frames arrive before counting.
	time.Sleep(500 * time.Millisecond)
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(baseURL, username, password string) string {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := postJSON(baseURL+"/register", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON(baseURL+"/login", creds)
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ Login Failed [%s]: %s", username, resp.Status)
		return ""
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return ""
	}
	return data.Token
}

func postJSON(url string, data interface{}) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(url, "application/json", bytes.NewBuffer(jsonData))
}
