// Package flightout ships computed embedding vectors to an Arrow
// Flight endpoint, one record per eval.
package flightout

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/arbalest-llm/arbalest/internal/logger"
)

const putTimeout = 30 * time.Second

// Exporter holds one DoPut stream to a Flight server and appends an
// embedding record per Publish call.
type Exporter struct {
	client flight.Client
	writer *flight.Writer
	stream flight.FlightService_DoPutClient

	schema  *arrow.Schema
	builder *array.RecordBuilder
	nEmbd   int
}

// New connects to addr ("host:port") and prepares the embedding
// stream for vectors of length nEmbd.
func New(addr string, nEmbd int) (*Exporter, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight client: %w", err)
	}

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "pos", Type: arrow.PrimitiveTypes.Int64},
		{Name: "embedding", Type: arrow.FixedSizeListOf(int32(nEmbd), arrow.PrimitiveTypes.Float32)},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	stream, err := client.DoPut(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("flight DoPut: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"embeddings"},
	})

	logger.Log.Info("embedding export enabled", "addr", addr, "n_embd", nEmbd)
	return &Exporter{
		client:  client,
		writer:  writer,
		stream:  stream,
		schema:  schema,
		builder: array.NewRecordBuilder(memory.DefaultAllocator, schema),
		nEmbd:   nEmbd,
	}, nil
}

// Publish appends one embedding vector at sequence position pos.
func (e *Exporter) Publish(pos int, vec []float32) error {
	if len(vec) != e.nEmbd {
		return fmt.Errorf("embedding length %d, want %d", len(vec), e.nEmbd)
	}

	e.builder.Field(0).(*array.Int64Builder).Append(int64(pos))
	lb := e.builder.Field(1).(*array.FixedSizeListBuilder)
	lb.Append(true)
	lb.ValueBuilder().(*array.Float32Builder).AppendValues(vec, nil)

	rec := e.builder.NewRecord()
	defer rec.Release()
	return e.writer.Write(rec)
}

// Close flushes the stream and drops the connection.
func (e *Exporter) Close() error {
	var first error
	if err := e.writer.Close(); err != nil {
		first = err
	}
	if err := e.stream.CloseSend(); err != nil && first == nil {
		first = err
	}
	if err := e.client.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
