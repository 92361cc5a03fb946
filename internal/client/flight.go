// Package client ships decoder outputs to a downstream Longbow server over
// Apache Flight.
package client

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient sends record batches of hidden states to a Flight server.
// Every DoPut goes through a circuit breaker, so a downstream outage turns
// into fast local rejections instead of a stalled forward path.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

// Breaker exposes the circuit breaker, mainly for health reporting.
func (c *FlightClient) Breaker() *CircuitBreaker { return c.breaker }

// DoPut streams one record batch to the named dataset. Returns
// ErrBreakerOpen without touching the network while the breaker is open.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	if !c.breaker.Allow() {
		return ErrBreakerOpen
	}

	err := c.doPut(ctx, datasetName, record)
	if err != nil {
		c.breaker.Failure()
		return err
	}
	c.breaker.Success()
	return nil
}

func (c *FlightClient) doPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})

	if err := writer.Write(record); err != nil {
		return err
	}
	return writer.Close()
}

// Close closes the underlying connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
