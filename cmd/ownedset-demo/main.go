package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samthor/ownedset/dispatch"
	"github.com/samthor/ownedset/indexset"
	"github.com/samthor/ownedset/observe"
	"github.com/samthor/ownedset/owner"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	flagConfig    = flag.String("config", "", "optional JSON config file")
	flagProducers = flag.Int("producers", 4, "number of producer goroutines")
	flagItems     = flag.Int("items", 1000, "items added by each producer")
	flagListen    = flag.String("listen", "", "serve /metrics on this address, e.g. :8080")
)

type LimitConfig struct {
	Burst int        `json:"b"`
	Rate  rate.Limit `json:"r"`
}

type DemoConfig struct {
	Dispatch dispatch.Options `json:"dispatch"`
	Set      indexset.Options `json:"set"`
	Limit    *LimitConfig     `json:"limit,omitempty"`
}

func buildLimiter(lc *LimitConfig) *rate.Limiter {
	if lc == nil {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(lc.Rate, lc.Burst)
}

func loadConfig(path string) (c DemoConfig, err error) {
	c.Set.Indexing = true
	if path == "" {
		return c, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	err = json.Unmarshal(b, &c)
	return c, err
}

func main() {
	flag.Parse()

	c, err := loadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("could not load config: %v", err)
	}

	reg := prometheus.NewRegistry()
	c.Dispatch.Registerer = reg

	if *flagListen != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			err := http.ListenAndServe(*flagListen, nil)
			log.Printf("metrics server stopped: %v", err)
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	loop := owner.NewLoop(&owner.LoopOpts{})
	store := indexset.New[uint32](&c.Set)
	d := dispatch.New[uint32](loop, store, &c.Dispatch)

	var batches int
	d.Observe(observe.Funcs[uint32]{
		OnAdded: func(items []uint32, at int) { batches++ },
		OnReset: func() { batches++ },
	})
	d.OnFlush(nil, func() {
		if !store.Indexing() {
			return
		}
		if err := store.Check(); err != nil {
			log.Printf("index broken after flush: %v", err)
		}
	})

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	ids := newIDSource(rand.Uint32())
	limiter := buildLimiter(c.Limit)

	eg, egCtx := errgroup.WithContext(ctx)
	for range *flagProducers {
		eg.Go(func() error {
			for range *flagItems {
				if err := limiter.Wait(egCtx); err != nil {
					return err
				}
				if err := d.Add(egCtx, ids.next()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		log.Fatalf("producers failed: %v", err)
	}
	log.Printf("producers done, pending count=%d", d.PendingCount())

	type result struct {
		count   int
		batches int
	}
	res, err := dispatch.Sync(ctx, d, func(ctx context.Context) (result, error) {
		count, err := d.Count(ctx)
		return result{count: count, batches: batches}, err
	})
	if err != nil {
		log.Fatalf("sync failed: %v", err)
	}
	total := *flagProducers * *flagItems
	log.Printf("owner has count=%d (expected %d), delivered in %d batches", res.count, total, res.batches)

	if *flagListen == "" {
		cancel()
	}
	err = <-loopDone
	log.Printf("owner loop stopped: %v", err)
}
