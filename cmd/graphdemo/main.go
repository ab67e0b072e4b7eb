// Command graphdemo records, runs and updates a small execution graph.
package main

import (
	"encoding/binary"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/gogpu/graphexec"
	"github.com/gogpu/graphexec/graphcore"

	_ "github.com/gogpu/graphexec/backend/sim"
)

func main() {
	var (
		driver     = flag.String("driver", "sim", "graph driver to use")
		iterations = flag.Int("iterations", 4, "loop trip count for the device-side For loop")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	if *verbose {
		graphexec.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	exec, err := graphexec.Open(*driver)
	if err != nil {
		log.Fatalf("open driver: %v", err)
	}
	defer exec.Close()

	counter, err := exec.Allocate(4)
	if err != nil {
		log.Fatalf("allocate: %v", err)
	}
	seed, err := exec.Allocate(4)
	if err != nil {
		log.Fatalf("allocate: %v", err)
	}
	result, err := exec.Allocate(4)
	if err != nil {
		log.Fatalf("allocate: %v", err)
	}

	cb, err := exec.NewCommandBuffer()
	if err != nil {
		log.Fatalf("new command buffer: %v", err)
	}
	defer cb.Close()

	// Seed a value, run a device-side counted loop, then copy the loop
	// counter out. The whole sequence is one graph; the host only submits.
	scope := graphexec.DefaultExecutionScope
	if err := cb.Memset(scope, seed, graphcore.BitPattern32(0x2a), 1); err != nil {
		log.Fatalf("memset: %v", err)
	}
	if err := cb.Barrier(scope); err != nil {
		log.Fatalf("barrier: %v", err)
	}
	if err := cb.For(scope, int32(*iterations), counter, func(body *graphexec.CommandBuffer) error {
		return body.MemcpyD2D(graphexec.DefaultExecutionScope, result, seed, 4)
	}); err != nil {
		log.Fatalf("for: %v", err)
	}
	if err := cb.MemcpyD2D(scope, result, counter, 4); err != nil {
		log.Fatalf("memcpy: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		log.Fatalf("finalize: %v", err)
	}

	stream, err := exec.NewStream()
	if err != nil {
		log.Fatalf("new stream: %v", err)
	}
	defer stream.Close()

	if err := cb.Submit(stream); err != nil {
		log.Fatalf("submit: %v", err)
	}
	if err := stream.Synchronize(); err != nil {
		log.Fatalf("synchronize: %v", err)
	}
	log.Printf("first run: loop counter = %d after %d iterations", readWord(exec, result), *iterations)

	// Update pass: double the trip count without rebuilding the graph.
	doubled := int32(*iterations * 2)
	if err := cb.Update(); err != nil {
		log.Fatalf("update: %v", err)
	}
	if err := cb.Memset(scope, seed, graphcore.BitPattern32(0x2a), 1); err != nil {
		log.Fatalf("memset replay: %v", err)
	}
	if err := cb.Barrier(scope); err != nil {
		log.Fatalf("barrier replay: %v", err)
	}
	if err := cb.For(scope, doubled, counter, func(body *graphexec.CommandBuffer) error {
		return body.MemcpyD2D(graphexec.DefaultExecutionScope, result, seed, 4)
	}); err != nil {
		log.Fatalf("for replay: %v", err)
	}
	if err := cb.MemcpyD2D(scope, result, counter, 4); err != nil {
		log.Fatalf("memcpy replay: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		log.Fatalf("finalize: %v", err)
	}

	if err := cb.Submit(stream); err != nil {
		log.Fatalf("submit: %v", err)
	}
	if err := stream.Synchronize(); err != nil {
		log.Fatalf("synchronize: %v", err)
	}
	log.Printf("after update: loop counter = %d after %d iterations", readWord(exec, result), doubled)
	log.Printf("alive executables: %d", graphexec.AliveExecs())
}

func readWord(exec *graphexec.Executor, mem graphcore.DeviceMemory) int32 {
	var b [4]byte
	if err := exec.MemcpyD2H(b[:], mem); err != nil {
		log.Fatalf("readback: %v", err)
	}
	return int32(binary.LittleEndian.Uint32(b[:]))
}
