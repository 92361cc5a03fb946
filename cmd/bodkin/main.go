package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/decoder"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/forward"
)

var (
	weightsPath   = flag.String("weights", "", "Path to raw binary checkpoint (empty: random init)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	modelType     = flag.String("model", "tiny", "Model geometry (tiny, gpt2-small)")
	seed          = flag.Int64("seed", 42, "Seed for random weight initialization")
	nanChecks     = flag.Bool("nan-checks", false, "Scan outputs for non-finite values")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	serverAddr    = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "bodkin_dataset", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 16384, "Maximum number of concurrent token positions to process")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	batchSize     = flag.Int("batch", 4, "Batch size for demo and soak runs")
	seqLen        = flag.Int("seq", 64, "Sequence length for demo and soak runs")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	var config decoder.Config
	switch *modelType {
	case "tiny":
		config = decoder.DefaultTinyConfig()
	case "gpt2-small":
		config = decoder.DefaultGPT2SmallConfig()
	default:
		log.Fatal().Str("model", *modelType).Msg("Unknown model type")
	}

	var opts []forward.Option
	if *nanChecks {
		opts = append(opts, forward.WithNaNChecks())
	}

	engine, err := forward.NewEngine(config, device.NewCPUBackend(), opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}

	if *weightsPath != "" {
		if err := engine.LoadWeights(*weightsPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to load checkpoint")
		}
	} else {
		log.Warn().Int64("seed", *seed).Msg("No checkpoint given, using random initialization")
		engine.InitRandom(*seed)
	}

	var fc FlightClientInterface
	if *serverAddr != "" {
		flightClient, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
		defer func() {
			if err := flightClient.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		fc = flightClient
	}

	if *listenAddr != "" {
		go startServer(*listenAddr, engine, config.HiddenSize, fc, *datasetName, *maxConcurrent)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, engine, config.HiddenSize, fc, *datasetName)
		return
	}

	input := randomHidden(*batchSize, *seqLen, config.HiddenSize, *seed)

	if *duration > 0 {
		runSoak(engine, input, *batchSize, *seqLen, *duration)
		return
	}

	start := time.Now()
	out, err := engine.Forward(context.Background(), input, *batchSize, *seqLen)
	elapsed := time.Since(start)
	if err != nil {
		log.Fatal().Err(err).Msg("Forward pass failed")
	}

	log.Info().
		Int("batch", *batchSize).
		Int("seq", *seqLen).
		Int("hidden", config.HiddenSize).
		Dur("elapsed", elapsed).
		Float64("tokens_per_sec", float64(*batchSize**seqLen)/elapsed.Seconds()).
		Msg("Forward pass complete")

	if fc != nil {
		builder := client.NewRecordBatchBuilder(memory.NewGoAllocator(), config.HiddenSize)
		rb, err := builder.Build(out, *batchSize, *seqLen)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build record batch")
		}
		defer rb.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := fc.DoPut(ctx, *datasetName, rb); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Str("dataset", *datasetName).Msg("Sent hidden states to Longbow")
		return
	}

	if err := writeArrowStream(os.Stdout, out, *batchSize, *seqLen, config.HiddenSize); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func randomHidden(batch, seq, hiddenSize int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, batch*seq*hiddenSize)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return data
}

func runSoak(engine *forward.Engine, input []float32, batch, seq int, d time.Duration) {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalTokens int64
	var iter int

	for time.Now().Before(endTime) {
		if _, err := engine.Forward(context.Background(), input, batch, seq); err != nil {
			log.Fatal().Err(err).Msg("Forward pass failed during soak")
		}

		totalTokens += int64(batch * seq)
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_tokens", totalTokens).
				Float64("tps", float64(totalTokens)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_tokens", totalTokens).
		Dur("total_time", totalElapsed).
		Float64("avg_tps", float64(totalTokens)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func writeArrowStream(w *os.File, hidden []float32, batch, seq, hiddenSize int) error {
	builder := client.NewRecordBatchBuilder(memory.NewGoAllocator(), hiddenSize)
	rb, err := builder.Build(hidden, batch, seq)
	if err != nil {
		return err
	}
	defer rb.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rb.Schema()))
	if err := writer.Write(rb); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bodkin"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
