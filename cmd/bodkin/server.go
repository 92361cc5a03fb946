package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/decoder"
)

var (
	positionsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_positions_processed_total",
		Help: "Total token positions run through the decoder stack by the server",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_request_duration_seconds",
		Help:    "Time spent processing forward requests",
		Buckets: prometheus.DefBuckets,
	})
)

var tracer = otel.Tracer("bodkin-server")

// ForwardEngine is the surface of forward.Engine the server needs.
type ForwardEngine interface {
	Forward(ctx context.Context, hidden []float32, batchSize, seqLen int) ([]float32, error)
}

// FlightClientInterface is the downstream Flight surface.
type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// forwardRequest is the CBOR request body for /forward. Hidden holds the
// input states flattened (batch*seq x hidden) row-major.
type forwardRequest struct {
	Hidden    []float32 `cbor:"hidden"`
	BatchSize int       `cbor:"batch_size"`
	SeqLen    int       `cbor:"seq_len"`
}

type forwardResponse struct {
	Hidden    []float32 `cbor:"hidden"`
	BatchSize int       `cbor:"batch_size"`
	SeqLen    int       `cbor:"seq_len"`
}

type Server struct {
	engine       ForwardEngine
	hiddenSize   int
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
	builder      *client.RecordBatchBuilder
	sem          *semaphore.Weighted
	maxWeight    int64
}

func NewServer(engine ForwardEngine, hiddenSize int, fc FlightClientInterface, dataset string, maxConcurrent int) *Server {
	alloc := memory.NewGoAllocator()
	return &Server{
		engine:       engine,
		hiddenSize:   hiddenSize,
		flightClient: fc,
		datasetName:  dataset,
		alloc:        alloc,
		builder:      client.NewRecordBatchBuilder(alloc, hiddenSize),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		maxWeight:    int64(maxConcurrent),
	}
}

func startServer(addr string, engine ForwardEngine, hiddenSize int, fc FlightClientInterface, dataset string, maxConcurrent int) {
	srv := NewServer(engine, hiddenSize, fc, dataset, maxConcurrent)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/forward", srv.handleForward)
	http.HandleFunc("/forward/arrow", srv.handleForwardArrow)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting Bodkin server")
	if fc != nil {
		log.Info().Str("dataset", dataset).Msg("Forwarding outputs to Longbow")
	}

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForward")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req forwardRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	if len(req.Hidden) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	span.SetAttributes(
		attribute.Int("batch_size", req.BatchSize),
		attribute.Int("seq_len", req.SeqLen),
	)

	// Admission control weighted by token positions
	weight := int64(req.BatchSize * req.SeqLen)
	if weight <= 0 {
		http.Error(w, "Bad Request: non-positive batch or sequence length", http.StatusBadRequest)
		return
	}
	// Acquiring more than the semaphore holds would block forever
	if weight > s.maxWeight {
		http.Error(w, fmt.Sprintf("Request of %d positions exceeds server capacity %d", weight, s.maxWeight),
			http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	out, err := s.engine.Forward(ctx, req.Hidden, req.BatchSize, req.SeqLen)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, decoder.ErrShape) {
			http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Msg("Forward pass failed")
		http.Error(w, "Forward pass failed", http.StatusInternalServerError)
		return
	}
	positionsProcessed.Add(float64(weight))

	if s.flightClient != nil {
		if err := s.forwardToLongbow(ctx, out, req.BatchSize, req.SeqLen); err != nil {
			log.Error().Err(err).Msg("Error forwarding batch to Longbow")
		}
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(forwardResponse{
		Hidden:    out,
		BatchSize: req.BatchSize,
		SeqLen:    req.SeqLen,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) forwardToLongbow(ctx context.Context, hidden []float32, batchSize, seqLen int) error {
	rb, err := s.builder.Build(hidden, batchSize, seqLen)
	if err != nil {
		return err
	}
	defer rb.Release()

	return s.flightClient.DoPut(ctx, s.datasetName, rb)
}

// handleForwardArrow accepts an Arrow IPC stream. Each record batch needs a
// "hidden" fixed-size-list<float32> column, one row per token position; the
// whole batch is treated as a single sequence. The response is an IPC stream
// of the transformed states in the builder's schema.
func (s *Server) handleForwardArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForwardArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var writer *ipc.Writer
	totalPositions := 0

	for reader.Next() {
		rec := reader.Record()

		hidden, seqLen, err := extractHidden(rec, s.hiddenSize)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping malformed record batch")
			continue
		}

		weight := int64(seqLen)
		if weight > s.maxWeight {
			log.Warn().Int("positions", seqLen).Int64("capacity", s.maxWeight).
				Msg("Skipping record batch larger than server capacity")
			continue
		}
		if err := s.sem.Acquire(ctx, weight); err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore for arrow batch")
			break
		}
		out, err := s.engine.Forward(ctx, hidden, 1, seqLen)
		s.sem.Release(weight)
		if err != nil {
			span.RecordError(err)
			log.Error().Err(err).Msg("Forward pass failed for arrow batch")
			continue
		}
		positionsProcessed.Add(float64(seqLen))
		totalPositions += seqLen

		if s.flightClient != nil {
			if err := s.forwardToLongbow(ctx, out, 1, seqLen); err != nil {
				log.Error().Err(err).Msg("Error forwarding batch to Longbow")
			}
		}

		outRec, err := s.builder.Build(out, 1, seqLen)
		if err != nil {
			log.Error().Err(err).Msg("Failed to build output record batch")
			continue
		}
		if writer == nil {
			w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
			writer = ipc.NewWriter(w, ipc.WithSchema(outRec.Schema()), ipc.WithAllocator(s.alloc))
			defer func() { _ = writer.Close() }()
		}
		if err := writer.Write(outRec); err != nil {
			log.Error().Err(err).Msg("Failed to write output record batch")
		}
		outRec.Release()
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		if writer == nil {
			http.Error(w, "Stream error", http.StatusInternalServerError)
		}
		return
	}

	if writer == nil {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Processed %d positions", totalPositions)
	}
}

// extractHidden pulls the flattened hidden states out of a record batch.
func extractHidden(rec arrow.RecordBatch, hiddenSize int) ([]float32, int, error) {
	indices := rec.Schema().FieldIndices("hidden")
	if len(indices) == 0 {
		return nil, 0, fmt.Errorf("record batch has no hidden column")
	}

	fsl, ok := rec.Column(indices[0]).(*array.FixedSizeList)
	if !ok {
		return nil, 0, fmt.Errorf("hidden column is not a fixed-size list")
	}
	listType := fsl.DataType().(*arrow.FixedSizeListType)
	if int(listType.Len()) != hiddenSize {
		return nil, 0, fmt.Errorf("hidden width %d, engine configured for %d", listType.Len(), hiddenSize)
	}

	values, ok := fsl.ListValues().(*array.Float32)
	if !ok {
		return nil, 0, fmt.Errorf("hidden values are not float32")
	}

	seqLen := fsl.Len()
	hidden := make([]float32, seqLen*hiddenSize)
	copy(hidden, values.Float32Values()[fsl.Offset()*hiddenSize:])
	return hidden, seqLen, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
