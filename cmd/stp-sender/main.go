// Command stp-sender transmits a file to an stp-receiver over UDP using
// the Simple Transport Protocol (§6): reliable, in-order, single-connection
// delivery with a sliding window and single-timer retransmission.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/denniemok/simple-transport-protocol/internal/stp/sender"
	"github.com/denniemok/simple-transport-protocol/internal/stp/transport"
	"github.com/denniemok/simple-transport-protocol/internal/telemetry"
)

// maxInputBytes is the §6 input-file bound: the sender reads the whole
// file into memory at startup.
const maxInputBytes = 800 * 1024

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stp-sender:", err)
		os.Exit(1)
	}
}

func run() error {
	positional, traceExporter, traceEndpoint, err := parseArgs(os.Args[1:])
	if err != nil {
		return err
	}

	senderPort, err := strconv.Atoi(positional[0])
	if err != nil {
		return fmt.Errorf("invalid sender port %q: %w", positional[0], err)
	}
	receiverPort, err := strconv.Atoi(positional[1])
	if err != nil {
		return fmt.Errorf("invalid receiver port %q: %w", positional[1], err)
	}
	inputPath := positional[2]
	maxWin, err := strconv.ParseUint(positional[3], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid max_win %q: %w", positional[3], err)
	}
	if maxWin%1000 != 0 {
		return fmt.Errorf("max_win %d must be a multiple of MSS (1000)", maxWin)
	}
	rtoMs, err := strconv.ParseUint(positional[4], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid rto %q: %w", positional[4], err)
	}

	file, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read input file: %w", err)
	}
	if len(file) > maxInputBytes {
		return fmt.Errorf("input file %d bytes exceeds %d byte bound", len(file), maxInputBytes)
	}

	opLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build operational logger: %w", err)
	}
	defer opLog.Sync()

	tracer, err := telemetry.NewTracer(&telemetry.Config{
		Enable:      traceExporter != "",
		ServiceName: "stp-sender",
		Endpoint:    traceEndpoint,
		Exporter:    traceExporter,
		SampleRate:  1.0,
	}, opLog)
	if err != nil {
		return fmt.Errorf("build tracer: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	conn, err := transport.Dial(senderPort, receiverPort)
	if err != nil {
		return fmt.Errorf("dial udp: %w", err)
	}
	defer conn.Close()

	snd, err := sender.New(conn, file, uint32(maxWin), time.Duration(rtoMs)*time.Millisecond, nil, os.Stdout, opLog, tracer)
	if err != nil {
		return fmt.Errorf("build sender: %w", err)
	}

	if err := snd.Run(context.Background()); err != nil {
		opLog.Error("connection terminated abnormally", zap.Error(err))
		os.Exit(1)
	}
	return nil
}

// parseArgs splits argv into the five required positional arguments and
// the optional trailing -trace/-trace-endpoint flags (§6: the flags are
// parsed after the positional arguments are consumed).
func parseArgs(argv []string) (positional []string, traceExporter, traceEndpoint string, err error) {
	const numPositional = 5
	if len(argv) < numPositional {
		return nil, "", "", fmt.Errorf("usage: stp-sender <sender-port> <receiver-port> <input-file> <max-win> <rto-ms> [-trace=jaeger|zipkin -trace-endpoint=<url>]")
	}

	fs := flag.NewFlagSet("stp-sender", flag.ContinueOnError)
	trace := fs.String("trace", "", "exporter to use for connection-lifecycle tracing: jaeger or zipkin")
	endpoint := fs.String("trace-endpoint", "", "collector endpoint for the selected trace exporter")
	if err := fs.Parse(argv[numPositional:]); err != nil {
		return nil, "", "", fmt.Errorf("parse flags: %w", err)
	}

	return argv[:numPositional], *trace, *endpoint, nil
}
