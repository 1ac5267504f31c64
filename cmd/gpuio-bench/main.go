// Package main provides a benchmark CLI for the gpuio engine.
//
// It creates a context over simulated devices, pushes a transfer
// workload through the priority scheduler and reports JSON metrics.
//
// Usage:
//
//	# 1024 transfers of 64KiB with the default class mix
//	gpuio-bench -count 1024 -size 65536
//
//	# single-class run on two devices
//	gpuio-bench -devices 2 -class realtime -count 4096
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/neurogrid/gpuio/pkg/device"
	"github.com/neurogrid/gpuio/pkg/engine"
	"github.com/neurogrid/gpuio/pkg/sched"
)

// Config holds CLI configuration.
type Config struct {
	Devices   int
	DeviceMem int64
	Count     int
	Size      int64
	Class     string
	LogLevel  string
	AgingMs   int
}

// OutputMetrics is the JSON output format.
type OutputMetrics struct {
	Transfers      int64   `json:"transfers"`
	Completed      int64   `json:"completed"`
	Failed         int64   `json:"failed"`
	Promoted       int64   `json:"promoted"`
	BytesCopied    int64   `json:"bytes_copied"`
	ElapsedMs      float64 `json:"elapsed_ms"`
	ThroughputMBs  float64 `json:"throughput_mb_s"`
	DeviceHighMark int64   `json:"device_high_water_bytes"`
	PinnedHighMark int64   `json:"pinned_high_water_bytes"`
}

func main() {
	cfg := parseFlags()

	if err := run(cfg); err != nil {
		log.Fatalf("benchmark failed: %v", err)
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.IntVar(&cfg.Devices, "devices", 1, "Number of simulated devices")
	flag.Int64Var(&cfg.DeviceMem, "device-mem", 256<<20, "Device memory bytes")
	flag.IntVar(&cfg.Count, "count", 1024, "Number of transfers")
	flag.Int64Var(&cfg.Size, "size", 64<<10, "Bytes per transfer")
	flag.StringVar(&cfg.Class, "class", "mixed", "Workload class: realtime, batch, training-fw, training-bw or mixed")
	flag.StringVar(&cfg.LogLevel, "log-level", "WARN", "Log level (NONE..DEBUG)")
	flag.IntVar(&cfg.AgingMs, "aging-ms", 100, "Aging threshold in milliseconds")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "gpuio transfer benchmark\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  %s [options]\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	return cfg
}

func classFor(name string, i int) sched.Class {
	switch name {
	case "realtime":
		return sched.ClassInferenceRealtime
	case "batch":
		return sched.ClassInferenceBatch
	case "training-fw":
		return sched.ClassTrainingForward
	case "training-bw":
		return sched.ClassTrainingBackward
	default: // mixed
		return sched.Class(i % 4)
	}
}

func run(cfg Config) error {
	specs := make([]device.Spec, cfg.Devices)
	for i := range specs {
		s := device.DefaultSpec()
		s.Name = fmt.Sprintf("sim-gpu-%d", i)
		s.MemoryBytes = cfg.DeviceMem
		specs[i] = s
	}
	reg := device.NewRegistry(specs...)

	ectx, err := engine.Create(reg, nil, engine.Config{
		LogLevel:       cfg.LogLevel,
		AgingThreshold: time.Duration(cfg.AgingMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer ectx.Destroy()

	dev, err := ectx.Malloc(cfg.Size)
	if err != nil {
		return err
	}
	pinned, err := ectx.MallocPinned(cfg.Size)
	if err != nil {
		return err
	}

	window, err := ectx.BlockBytes(pinned)
	if err != nil {
		return err
	}
	for i := range window {
		window[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < cfg.Count; i++ {
		if _, err := ectx.Memcpy(dev, pinned, cfg.Size,
			engine.WithClass(classFor(cfg.Class, i))); err != nil {
			return err
		}
	}
	if err := ectx.Synchronize(context.Background()); err != nil {
		return err
	}
	elapsed := time.Since(start)

	stats, err := ectx.Stats()
	if err != nil {
		return err
	}

	out := OutputMetrics{
		Transfers:   stats.Scheduler.Submitted,
		Completed:   stats.Scheduler.Completed,
		Failed:      stats.Scheduler.Failed,
		Promoted:    stats.Scheduler.Promoted,
		BytesCopied: stats.Scheduler.BytesCopied,
		ElapsedMs:   float64(elapsed.Microseconds()) / 1000.0,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		out.ThroughputMBs = float64(stats.Scheduler.BytesCopied) / (1 << 20) / secs
	}
	if len(stats.Memory) > 0 {
		out.DeviceHighMark = stats.Memory[0].Resident.HighWaterBytes
		out.PinnedHighMark = stats.Memory[0].Pinned.HighWaterBytes
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
