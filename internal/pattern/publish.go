package pattern

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-offload/internal/logger"
)

// Publisher streams captured pattern files to an Arrow Flight endpoint so
// other hosts can replay or analyse them.
type Publisher struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// Dial connects to a Flight server at addr (host:port) over plaintext gRPC.
func Dial(addr string) (*Publisher, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &Publisher{client: client, addr: addr, timeout: 30 * time.Second}, nil
}

func (p *Publisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// Descriptor is the Flight path a file is published under.
func Descriptor(h Header) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"patterns", h.Family, h.RunID},
	}
}

// Publish sends f with DoPut as one record batch and waits for the server
// to acknowledge. It returns the number of rows sent.
func (p *Publisher) Publish(ctx context.Context, f *File) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	mem := memory.NewGoAllocator()
	rec, schema := buildRecord(mem, f)
	defer rec.Release()

	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to open DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	w.SetFlightDescriptor(Descriptor(f.Header))
	if err := w.Write(rec); err != nil {
		w.Close()
		return 0, fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return 0, err
	}
	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("DoPut: %w", err)
		}
	}

	logger.Log.Info("patterns published", "addr", p.addr, "run_id", f.Header.RunID, "records", rec.NumRows())
	return rec.NumRows(), nil
}
