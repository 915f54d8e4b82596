// cmd/engined/main.go
// Engine core daemon: runs the job scheduler and a TLSF arena under a
// synthetic workload and exposes their state over HTTP for inspection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/vertexforge/engine/internal/jobs"
	"github.com/vertexforge/engine/internal/logging"
	"github.com/vertexforge/engine/internal/memory"
	"github.com/vertexforge/engine/internal/tracing"
)

const (
	version = "1.0.0"

	defaultPort = 9030

	arenaSize = 1 << 20 // 1 MiB
	arenaPage = 256

	scratchSize = 64 * 1024
)

type engineDaemon struct {
	instanceID string
	log        logging.Logger
	tracing    *tracing.Provider

	sched *jobs.System

	arenaMu sync.Mutex
	arena   *memory.TLSFAllocator

	workIterations atomic.Uint64

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

type statsResponse struct {
	InstanceID     string     `json:"instance_id"`
	Version        string     `json:"version"`
	Scheduler      jobs.Stats `json:"scheduler"`
	ArenaFree      uint32     `json:"arena_free"`
	ArenaUsed      uint32     `json:"arena_used"`
	ArenaWasted    uint32     `json:"arena_wasted"`
	Allocations    uint32     `json:"allocations"`
	WorkIterations uint64     `json:"work_iterations"`
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	log := logging.NewLogger(nil)
	instanceID := uuid.NewString()
	log = log.With("instance", instanceID)

	fmt.Printf("vertexforge engine core v%s\n", version)
	fmt.Printf("CPUs: %d, GOMAXPROCS: %d\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))

	tp, err := tracing.NewProvider(
		tracing.WithJaegerEndpoint(os.Getenv("JAEGER_ENDPOINT")),
		tracing.WithInstanceID(instanceID),
	)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
		tp = nil
	}

	port := defaultPort
	if v := os.Getenv("ENGINED_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}

	d := &engineDaemon{
		instanceID: instanceID,
		log:        log,
		tracing:    tp,
		sched:      jobs.Init(jobs.WithLogger(log)),
		arena:      memory.NewTLSFAllocator(arenaSize, arenaPage),
		upgrader:   websocket.Upgrader{},
	}

	// prove the machinery out before serving
	d.runSmokeWorkload()

	r := mux.NewRouter()
	r.HandleFunc("/healthz", d.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", d.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/tlsf/spans", d.handleSpans).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats/live", d.handleLiveStats)

	d.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket endpoint streams indefinitely
	}

	go func() {
		log.Info("serving debug surface", "addr", d.httpServer.Addr)
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	// keep the schedulable load alive while serving
	workStop := make(chan struct{})
	go d.backgroundLoad(workStop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	close(workStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}

	d.sched.Shutdown()

	if err := d.tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", "error", err)
	}

	log.Info("stopped")
}

// runSmokeWorkload drives one traced frame through the scheduler and the
// allocators from the main participant.
func (d *engineDaemon) runSmokeWorkload() {
	const items = 4096
	const minBatch = 64

	// same batch split as ParallelFor
	threads := d.sched.ThreadCount()
	batchSize := (items + threads - 1) / threads
	if batchSize < minBatch {
		batchSize = minBatch
	}

	ctx, span := d.tracing.StartWorkload(context.Background(), "smoke-workload",
		(items+batchSize-1)/batchSize, threads)
	defer span.End()

	main := d.sched.Main()

	// scratch churn the way a frame would use it
	scratch := memory.NewStackAllocator(scratchSize)
	marker := scratch.GetMarker()

	values := make([]uint32, items)
	main.ParallelFor(items, minBatch, func(start, end int) {
		for i := start; i < end; i++ {
			values[i] = uint32(i) * 2654435761
		}
	})

	buf := scratch.AllocateAligned(1024, 64, 0)
	if buf == nil {
		d.log.Error("scratch exhausted during smoke workload")
	}
	scratch.FreeToMarker(marker)

	// arena round trip
	d.arenaMu.Lock()
	offset, spanHandle, ok := d.arena.Alloc(100, 64)
	tracing.RecordArenaAlloc(ctx, offset, 100, 64, ok)
	if ok {
		d.arena.Free(spanHandle)
		tracing.RecordArenaFree(ctx, offset)
	}
	d.arenaMu.Unlock()
	if !ok {
		d.log.Error("arena allocation failed during smoke workload")
	}

	d.log.Info("smoke workload complete", "items", items)
}

// backgroundLoad submits fire-and-forget batches so the stats endpoints
// have something to show.
func (d *engineDaemon) backgroundLoad(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			batch := make([]jobs.Job, 16)
			for i := range batch {
				batch[i] = jobs.NewJob(func(_ *jobs.Fiber, _ any) {
					d.workIterations.Add(1)
				}, nil)
			}
			d.sched.Run(batch, nil, jobs.PriorityLow)
		}
	}
}

func (d *engineDaemon) snapshot() statsResponse {
	d.arenaMu.Lock()
	free, used, wasted := d.arena.FreeUsedWastedSizes()
	count := d.arena.AllocationCount()
	d.arenaMu.Unlock()

	return statsResponse{
		InstanceID:     d.instanceID,
		Version:        version,
		Scheduler:      d.sched.Stats(),
		ArenaFree:      free,
		ArenaUsed:      used,
		ArenaWasted:    wasted,
		Allocations:    count,
		WorkIterations: d.workIterations.Load(),
	}
}

func (d *engineDaemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (d *engineDaemon) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.snapshot())
}

func (d *engineDaemon) handleSpans(w http.ResponseWriter, _ *http.Request) {
	d.arenaMu.Lock()
	info := d.arena.DebugInfo()
	d.arenaMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// handleLiveStats streams a stats snapshot per second over a websocket.
func (d *engineDaemon) handleLiveStats(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(d.snapshot()); err != nil {
			return
		}
	}
}
