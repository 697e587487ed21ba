package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mathrand "math/rand"

	"github.com/docopt/docopt-go"
	"github.com/pelletier/go-toml/v2"
	"google.golang.org/protobuf/encoding/protojson"

	"bringyour.com/statesync/deck"
	"bringyour.com/statesync/docstore"
	"bringyour.com/statesync/statesync"
)

const SyncCtlVersion = "0.0.1"

const DefaultStoreUrl = "ws://127.0.0.1:8090"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Sync control.

The default store url is %s.

Usage:
    syncctl serve [--port=<port>]
    syncctl demo [--url=<url>] [--match=<match>] [--config=<config>]
        [--tick=<tick>]
    syncctl watch --path=<path> [--url=<url>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    -p --port=<port>     Listen port [default: 8090].
    --url=<url>          Document store url.
    --match=<match>      Match id [default: match_1].
    --config=<config>    Demo session config (toml).
    --tick=<tick>        Local mutation interval [default: 2s].
    --path=<path>        Slot path to watch.`,
		DefaultStoreUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if demo_, _ := opts.Bool("demo"); demo_ {
		demo(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := docstore.NewDocStoreServerWithDefaults(cancelCtx)
	defer server.Close()

	Out.Printf("store listening on :%d\n", port)
	if err := server.ListenAndServe(fmt.Sprintf(":%d", port)); err != nil {
		Err.Fatalf("serve err = %s\n", err)
	}
}

type demoConfig struct {
	Url   string   `toml:"url"`
	Match string   `toml:"match"`
	Areas []string `toml:"areas"`
	Tick  string   `toml:"tick"`
}

func defaultDemoConfig() *demoConfig {
	return &demoConfig{
		Url:   DefaultStoreUrl,
		Match: "match_1",
		Areas: []string{"area_one", "area_two"},
		Tick:  "2s",
	}
}

func loadDemoConfig(opts docopt.Opts) *demoConfig {
	config := defaultDemoConfig()
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		configBytes, err := os.ReadFile(configPath)
		if err != nil {
			Err.Fatalf("read config err = %s\n", err)
		}
		if err := toml.Unmarshal(configBytes, config); err != nil {
			Err.Fatalf("parse config err = %s\n", err)
		}
	}
	if url, err := opts.String("--url"); err == nil && url != "" {
		config.Url = url
	}
	if match, err := opts.String("--match"); err == nil && match != "" {
		config.Match = match
	}
	if tick, err := opts.String("--tick"); err == nil && tick != "" {
		config.Tick = tick
	}
	return config
}

// joins a match: one region per area, all synced against the store.
// a ticker moves a random card between the areas to exercise the
// local -> remote lane; edits from other processes come back on the
// remote -> local lane
func demo(opts docopt.Opts) {
	config := loadDemoConfig(opts)
	tick, err := time.ParseDuration(config.Tick)
	if err != nil {
		Err.Fatalf("parse tick err = %s\n", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := docstore.NewWsStoreWithDefaults(cancelCtx, config.Url)
	if err != nil {
		Err.Fatalf("dial store err = %s\n", err)
	}
	defer store.Close()

	regions := []*statesync.Region[deck.Card]{}
	bindings := []*statesync.RegionBinding[deck.Card]{}
	for _, area := range config.Areas {
		region := statesync.NewRegion[deck.Card](area)
		regions = append(regions, region)
		bindings = append(bindings, &statesync.RegionBinding[deck.Card]{
			Region:   region,
			SlotPath: fmt.Sprintf("matches/%s/areas/%s", config.Match, area),
		})
	}

	controller := statesync.NewSyncControllerWithDefaults(store, deck.Codec(), bindings)
	defer controller.Dispose()

	unsubFailures := controller.AddFailureCallback(func(failure *statesync.Failure) {
		Err.Printf("sync failure: %s\n", failure)
	})
	defer unsubFailures()

	hand := deck.NewStandardDeck()
	deck.Shuffle(hand)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigs:
			Out.Printf("done\n")
			return
		case <-ticker.C:
			region := regions[mathrand.Intn(len(regions))]
			regionLen := region.Len()
			if len(hand) == 0 && regionLen == 0 {
				continue
			}
			if 0 < len(hand) && (regionLen == 0 || mathrand.Intn(2) == 0) {
				card := hand[len(hand)-1]
				hand = hand[:len(hand)-1]
				region.Append(card)
				Out.Printf("%s <- %s (%d cards)\n", region.Name(), card, region.Len())
			} else if card, removed := region.RemoveAt(mathrand.Intn(regionLen)); removed {
				hand = append(hand, card)
				Out.Printf("%s -> %s (%d cards)\n", region.Name(), card, region.Len())
			}
		}
	}
}

func watch(opts docopt.Opts) {
	path, _ := opts.String("--path")
	url, err := opts.String("--url")
	if err != nil || url == "" {
		url = DefaultStoreUrl
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := docstore.NewWsStoreWithDefaults(cancelCtx, url)
	if err != nil {
		Err.Fatalf("dial store err = %s\n", err)
	}
	defer store.Close()

	done := make(chan struct{})
	unsub := store.Slot(path).Subscribe(func(snapshot *docstore.Snapshot, err error) {
		if err != nil {
			Err.Printf("subscription err = %s\n", err)
			close(done)
			return
		}
		if !snapshot.Exists {
			Out.Printf("%s: (not yet written)\n", path)
			return
		}
		Out.Printf("%s: %s\n", path, protojson.Format(snapshot.Record))
	})
	defer unsub()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
	case <-done:
	}
}
