package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/GRhin/stronghold-lobby/pkg/api"
	"github.com/GRhin/stronghold-lobby/pkg/coordinator"
	"github.com/GRhin/stronghold-lobby/pkg/db"
	"github.com/GRhin/stronghold-lobby/pkg/directory"
	"github.com/GRhin/stronghold-lobby/pkg/extcache"
	"github.com/GRhin/stronghold-lobby/pkg/filestore"
	"github.com/GRhin/stronghold-lobby/pkg/version"
)

func main() {
	addr := flag.String("addr", envOr("LOBBY_ADDR", ":8080"), "listen address")
	contentDir := flag.String("content", envOr("LOBBY_CONTENT_DIR", "./data/content"), "session content directory")
	extIndex := flag.String("ext-index", os.Getenv("EXT_INDEX_URL"), "upstream extension index URL (empty disables)")
	cacheDB := flag.String("cache-db", envOr("LOBBY_CACHE_DB", "./data/extcache.db"), "extension cache sqlite path")
	noDB := flag.Bool("no-db", false, "run without the MySQL directory (anonymous players only)")
	flag.Parse()

	log.Printf("lobby server starting version=%s addr=%s", version.Build, *addr)

	hub := api.NewHub()
	var dirStore *directory.Store
	var dir coordinator.Directory
	if *noDB {
		hub.AllowAnonymous = true
		log.Printf("directory disabled; anonymous connections allowed")
	} else {
		gdb, err := db.Init()
		if err != nil {
			log.Fatalf("directory database init failed: %v", err)
		}
		dirStore = directory.New(gdb)
		dir = dirStore
	}

	store, err := filestore.New(*contentDir)
	if err != nil {
		log.Fatalf("content store init failed: %v", err)
	}

	var cache *extcache.Cache
	if *extIndex != "" {
		cache, err = extcache.New(*extIndex, *cacheDB, 0, nil)
		if err != nil {
			log.Fatalf("extension cache init failed: %v", err)
		}
		defer cache.Close()
		log.Printf("extension index enabled upstream=%s", *extIndex)
	}

	coord := coordinator.New(hub, dir)
	coord.OnDestroy = func(sessionID string) {
		if err := store.Purge(sessionID); err != nil {
			log.Printf("content purge failed session=%s: %v", sessionID, err)
		}
	}

	api.NewServer(hub, coord, dirStore)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok " + version.Build))
	})
	if dirStore != nil {
		(&api.AuthHandler{Dir: dirStore}).Register(mux)
	}
	(&api.ContentHandler{Store: store, Cache: cache, Coord: coord}).Register(mux)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Fatal(srv.ListenAndServe())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
