package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/GRhin/stronghold-lobby/pkg/client"
	"github.com/GRhin/stronghold-lobby/pkg/content"
	"github.com/GRhin/stronghold-lobby/pkg/coordinator"
	"github.com/GRhin/stronghold-lobby/pkg/model"
	"github.com/GRhin/stronghold-lobby/pkg/reconcile"
	"github.com/GRhin/stronghold-lobby/pkg/rendezvous"
)

func main() {
	server := flag.String("server", envOr("LOBBY_SERVER", "http://localhost:8080"), "coordinator base URL")
	name := flag.String("name", "", "display name")
	password := flag.String("password", "", "password; empty connects anonymously")
	install := flag.String("install", os.Getenv("GAME_INSTALL"), "game install directory (or game binary path)")
	create := flag.Bool("create", false, "create a session on connect")
	join := flag.String("join", "", "join this session id on connect")
	sessionName := flag.String("session-name", "", "name for a created session")
	mapName := flag.String("map", "", "map for a created session")
	mode := flag.String("mode", "skirmish", "mode for a created session")
	maxPlayers := flag.Int("max", 8, "max players for a created session")
	rated := flag.Bool("rated", false, "create a rated session")
	flag.Parse()

	if *name == "" {
		log.Fatal("-name is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	token := ""
	if *password != "" {
		t, err := authenticate(ctx, *server, *name, *password)
		if err != nil {
			log.Fatalf("authentication failed: %v", err)
		}
		token = t
	}

	cl, err := client.New(*server, token, *name)
	if err != nil {
		log.Fatalf("bad server URL: %v", err)
	}

	app := &app{
		cl:       cl,
		engine:   content.NewEngine(*server),
		provider: rendezvous.NewMemoryProvider(),
		install:  *install,
		name:     *name,
		synced:   make(map[string]bool),
	}
	defer app.shutdown()

	cl.OnConnect(func() {
		switch {
		case *create:
			sn := *sessionName
			if sn == "" {
				sn = *name + "'s game"
			}
			_ = cl.Send("session:create", map[string]any{
				"name":       sn,
				"map":        *mapName,
				"mode":       *mode,
				"maxPlayers": *maxPlayers,
				"rated":      *rated,
			})
		case *join != "":
			_ = cl.Send("session:join", map[string]string{"sessionId": *join})
		}
	})
	cl.On("hello", app.onHello)
	cl.On("session:update", func(p json.RawMessage) { app.onSessionUpdate(ctx, p) })
	cl.On("session:list", app.onSessionList)
	cl.On("session:hostMigrated", app.onHostMigrated)
	cl.On("game:launch", app.onLaunch)
	cl.On("chat:message", app.onChat)
	cl.On("error", app.onError)

	cl.Run(ctx)
}

// app holds the per-process lobby state the event handlers share.
type app struct {
	cl       *client.Client
	engine   *content.Engine
	provider rendezvous.Provider
	install  string
	name     string

	mu        sync.Mutex
	connID    string
	machine   *reconcile.Machine
	machStop  context.CancelFunc
	synced    map[string]bool
	published bool
}

func (a *app) onHello(payload json.RawMessage) {
	var hello struct {
		ConnID string `json:"connId"`
	}
	if err := json.Unmarshal(payload, &hello); err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connID = hello.ConnID
	log.Printf("assigned connection id %s", a.connID)
	// A redial gets a fresh connection id; any old reconciler is stale.
	a.resetMachineLocked()
}

func (a *app) onSessionUpdate(ctx context.Context, payload json.RawMessage) {
	var sess model.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return
	}
	a.mu.Lock()
	if a.connID == "" {
		a.mu.Unlock()
		return
	}
	if a.machine == nil {
		var machCtx context.Context
		machCtx, a.machStop = context.WithCancel(ctx)
		a.machine = reconcile.New(reconcile.Config{
			Provider: a.provider,
			Writer:   a.cl,
			Self:     rendezvous.Member{ID: a.connID, Name: a.name},
			ConnID:   a.connID,
			Fallback: func() { log.Printf("rendezvous unavailable; using direct connection") },
		})
		a.machine.Start(machCtx)
	}
	machine := a.machine
	isHost := sess.HostConnID == a.connID
	needsSync := !isHost && a.install != "" && !a.synced[sess.ID]
	if needsSync {
		a.synced[sess.ID] = true
	}
	needsPublish := isHost && a.install != "" && !a.published
	if needsPublish {
		a.published = true
	}
	a.mu.Unlock()

	machine.OnSessionUpdate(sess)
	log.Printf("session update id=%s players=%d status=%s", sess.ID, len(sess.Roster), sess.Status)
	if needsSync {
		go a.syncContent(ctx, sess.ID)
	}
	if needsPublish {
		go a.publishContent(ctx, sess.ID)
	}
}

func (a *app) syncContent(ctx context.Context, sessionID string) {
	diffs, err := a.engine.ComputeDiff(ctx, sessionID, a.install)
	if err != nil {
		log.Printf("content diff failed session=%s: %v", sessionID, err)
		a.retrySync(sessionID)
		return
	}
	if len(diffs) == 0 {
		log.Printf("content already in sync session=%s", sessionID)
		return
	}
	log.Printf("content sync starting session=%s files=%d", sessionID, len(diffs))
	if err := a.engine.DownloadUpdates(ctx, sessionID, a.install, diffs); err != nil {
		log.Printf("content sync failed session=%s: %v", sessionID, err)
		a.retrySync(sessionID)
		return
	}
	log.Printf("content sync complete session=%s", sessionID)
}

// retrySync clears the per-session marker after a failed pass so the next
// session update triggers another one.
func (a *app) retrySync(sessionID string) {
	a.mu.Lock()
	delete(a.synced, sessionID)
	a.mu.Unlock()
}

func (a *app) publishContent(ctx context.Context, sessionID string) {
	if err := a.engine.PublishContent(ctx, sessionID, a.install); err != nil {
		log.Printf("content publish failed session=%s: %v", sessionID, err)
		return
	}
	log.Printf("content published session=%s", sessionID)
}

func (a *app) onSessionList(payload json.RawMessage) {
	var list []model.SessionSummary
	if err := json.Unmarshal(payload, &list); err != nil {
		return
	}
	for _, s := range list {
		log.Printf("session id=%s name=%q map=%s players=%d/%d mode=%s rated=%v status=%s",
			s.ID, s.Name, s.Map, s.Players, s.MaxPlayers, s.Mode, s.Rated, s.Status)
	}
}

func (a *app) onHostMigrated(payload json.RawMessage) {
	var info struct {
		HostName string `json:"hostName"`
	}
	if err := json.Unmarshal(payload, &info); err != nil {
		return
	}
	log.Printf("host migrated to %s", info.HostName)
}

func (a *app) onLaunch(payload json.RawMessage) {
	var d coordinator.LaunchDirective
	if err := json.Unmarshal(payload, &d); err != nil {
		return
	}
	if d.RendezvousID != "" {
		log.Printf("launching via rendezvous lobby=%s", d.RendezvousID)
		return
	}
	log.Printf("launching direct host=%s", d.HostAddr)
}

func (a *app) onChat(payload json.RawMessage) {
	var msg struct {
		FromName string `json:"fromName"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	log.Printf("[chat] %s: %s", msg.FromName, msg.Text)
}

func (a *app) onError(payload json.RawMessage) {
	var e struct {
		Event   string `json:"event"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		return
	}
	log.Printf("server rejected %s: %s", e.Event, e.Message)
}

func (a *app) resetMachineLocked() {
	if a.machine != nil {
		a.machine.Stop()
		a.machStop()
		a.machine = nil
	}
	a.published = false
}

// shutdown leaves the rendezvous lobby and rolls back every file the sync
// pass installed, restoring the pre-lobby state.
func (a *app) shutdown() {
	a.mu.Lock()
	machine := a.machine
	a.machine = nil
	a.mu.Unlock()
	if machine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		machine.Stop()
		machine.OnLeave(ctx)
		cancel()
	}
	if a.install != "" {
		if err := content.RestoreBackups(a.install); err != nil {
			log.Printf("content rollback failed: %v", err)
		} else {
			log.Printf("content restored to pre-lobby state")
		}
	}
}

// authenticate logs in, registering first when the account does not exist.
func authenticate(ctx context.Context, server, name, password string) (string, error) {
	token, err := postCredentials(ctx, server+"/api/auth/login", name, password)
	if err == nil {
		return token, nil
	}
	token, rerr := postCredentials(ctx, server+"/api/auth/register", name, password)
	if rerr != nil {
		return "", fmt.Errorf("login: %v; register: %w", err, rerr)
	}
	log.Printf("registered new account name=%q", name)
	return token, nil
}

func postCredentials(ctx context.Context, url, name, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"name": name, "password": password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
