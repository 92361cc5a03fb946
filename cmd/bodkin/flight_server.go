package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/client"
)

// BodkinFlightServer accepts hidden-state record batches over Flight DoPut,
// runs them through the decoder stack, and forwards the outputs downstream
// when a client is configured.
type BodkinFlightServer struct {
	flight.BaseFlightServer
	engine       ForwardEngine
	hiddenSize   int
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
	builder      *client.RecordBatchBuilder
}

func NewBodkinFlightServer(engine ForwardEngine, hiddenSize int, fc FlightClientInterface, dataset string) *BodkinFlightServer {
	alloc := memory.NewGoAllocator()
	return &BodkinFlightServer{
		engine:       engine,
		hiddenSize:   hiddenSize,
		flightClient: fc,
		datasetName:  dataset,
		alloc:        alloc,
		builder:      client.NewRecordBatchBuilder(alloc, hiddenSize),
	}
}

func (s *BodkinFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return fmt.Errorf("DoExchange not implemented")
}

func (s *BodkinFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	ctx := stream.Context()

	for reader.Next() {
		rec := reader.Record()

		hidden, seqLen, err := extractHidden(rec, s.hiddenSize)
		if err != nil {
			return err
		}

		out, err := s.engine.Forward(ctx, hidden, 1, seqLen)
		if err != nil {
			return err
		}
		positionsProcessed.Add(float64(seqLen))
		log.Info().Int("positions", seqLen).Msg("DoPut processed batch")

		if s.flightClient != nil {
			rb, err := s.builder.Build(out, 1, seqLen)
			if err != nil {
				log.Error().Err(err).Msg("Failed to build output record batch")
				continue
			}
			if err := s.flightClient.DoPut(ctx, s.datasetName, rb); err != nil {
				log.Error().Err(err).Msg("Error forwarding batch to Longbow")
			}
			rb.Release()
		}
	}
	return reader.Err()
}

func StartFlightServer(addr string, engine ForwardEngine, hiddenSize int, fc FlightClientInterface, dataset string) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewBodkinFlightServer(engine, hiddenSize, fc, dataset))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Bodkin Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
