// Command stp-receiver accepts one inbound file transfer from an
// stp-sender over UDP using the Simple Transport Protocol (§6): it emulates
// segment loss, reassembles out-of-order DATA, and writes the delivered
// bytes to disk in order.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/denniemok/simple-transport-protocol/internal/stp/receiver"
	"github.com/denniemok/simple-transport-protocol/internal/stp/transport"
	"github.com/denniemok/simple-transport-protocol/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stp-receiver:", err)
		os.Exit(1)
	}
}

func run() error {
	positional, traceExporter, traceEndpoint, err := parseArgs(os.Args[1:])
	if err != nil {
		return err
	}

	receiverPort, err := strconv.Atoi(positional[0])
	if err != nil {
		return fmt.Errorf("invalid receiver port %q: %w", positional[0], err)
	}
	senderPort, err := strconv.Atoi(positional[1])
	if err != nil {
		return fmt.Errorf("invalid sender port %q: %w", positional[1], err)
	}
	outputPath := positional[2]
	flp, err := strconv.ParseFloat(positional[3], 64)
	if err != nil {
		return fmt.Errorf("invalid flp %q: %w", positional[3], err)
	}
	rlp, err := strconv.ParseFloat(positional[4], 64)
	if err != nil {
		return fmt.Errorf("invalid rlp %q: %w", positional[4], err)
	}
	if flp < 0 || flp > 1 || rlp < 0 || rlp > 1 {
		return fmt.Errorf("flp and rlp must be in [0,1], got flp=%v rlp=%v", flp, rlp)
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer outFile.Close()

	opLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build operational logger: %w", err)
	}
	defer opLog.Sync()

	tracer, err := telemetry.NewTracer(&telemetry.Config{
		Enable:      traceExporter != "",
		ServiceName: "stp-receiver",
		Endpoint:    traceEndpoint,
		Exporter:    traceExporter,
		SampleRate:  1.0,
	}, opLog)
	if err != nil {
		return fmt.Errorf("build tracer: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	conn, err := transport.Listen(receiverPort)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer conn.Close()

	rcv, err := receiver.New(conn, outFile, time.Now().UnixNano(), flp, rlp, senderPort, os.Stdout, opLog, tracer)
	if err != nil {
		return fmt.Errorf("build receiver: %w", err)
	}

	if err := rcv.Run(context.Background()); err != nil {
		opLog.Error("connection terminated abnormally", zap.Error(err))
		os.Exit(1)
	}
	return nil
}

// parseArgs splits argv into the five required positional arguments and
// the optional trailing -trace/-trace-endpoint flags (§6).
func parseArgs(argv []string) (positional []string, traceExporter, traceEndpoint string, err error) {
	const numPositional = 5
	if len(argv) < numPositional {
		return nil, "", "", fmt.Errorf("usage: stp-receiver <receiver-port> <sender-port> <output-file> <flp> <rlp> [-trace=jaeger|zipkin -trace-endpoint=<url>]")
	}

	fs := flag.NewFlagSet("stp-receiver", flag.ContinueOnError)
	trace := fs.String("trace", "", "exporter to use for connection-lifecycle tracing: jaeger or zipkin")
	endpoint := fs.String("trace-endpoint", "", "collector endpoint for the selected trace exporter")
	if err := fs.Parse(argv[numPositional:]); err != nil {
		return nil, "", "", fmt.Errorf("parse flags: %w", err)
	}

	return argv[:numPositional], *trace, *endpoint, nil
}
