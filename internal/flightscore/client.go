package flightscore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/iqakit/calibra/internal/tensor"
)

const DefaultPort = 3000

// Client scores image batches against a remote metric service over Arrow
// Flight. A deployment uses this to calibrate metrics it cannot run
// in-process (heavyweight neural models hosted elsewhere).
type Client struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// NewClient prepares a Flight client for addr ("host:port"). Connect must be
// called before scoring.
func NewClient(host string, port int) (*Client, error) {
	if host == "" {
		return nil, fmt.Errorf("flightscore: empty host")
	}
	if port <= 0 {
		port = DefaultPort
	}
	return &Client{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
	}, nil
}

// Connect dials the Flight server.
func (c *Client) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(c.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("flightscore: connect %s: %w", c.addr, err)
	}
	c.client = client
	return nil
}

// Close disconnects from the Flight server.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Addr returns the configured server address.
func (c *Client) Addr() string {
	return c.addr
}

func shapeMetadata(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// batchRecord encodes a (distorted, reference) pair as a two-column float32
// record; the batch shape rides in the schema metadata.
func batchRecord(dist, ref *tensor.Tensor) (arrow.Record, error) {
	if !dist.SameShape(ref) {
		return nil, fmt.Errorf("flightscore: batch shape mismatch: %v vs %v",
			dist.Dims(), ref.Dims())
	}

	md := arrow.NewMetadata([]string{"shape"}, []string{shapeMetadata(dist.Dims())})
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "dist", Type: arrow.PrimitiveTypes.Float32},
		{Name: "ref", Type: arrow.PrimitiveTypes.Float32},
	}, &md)

	mem := memory.DefaultAllocator
	distB := array.NewFloat32Builder(mem)
	defer distB.Release()
	refB := array.NewFloat32Builder(mem)
	defer refB.Release()
	distB.AppendValues(dist.Data(), nil)
	refB.AppendValues(ref.Data(), nil)

	distArr := distB.NewArray()
	defer distArr.Release()
	refArr := refB.NewArray()
	defer refArr.Release()

	return array.NewRecord(schema, []arrow.Array{distArr, refArr}, int64(dist.NumElements())), nil
}

// Score runs the named remote metric on a batch pair and returns one score
// per corpus item.
func (c *Client) Score(ctx context.Context, metricName string, dist, ref *tensor.Tensor) ([]float64, error) {
	if c.client == nil {
		return nil, fmt.Errorf("flightscore: not connected, call Connect first")
	}
	if metricName == "" {
		return nil, fmt.Errorf("flightscore: empty metric name")
	}

	rec, err := batchRecord(dist, ref)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("flightscore: exchange: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(metricName),
	})
	if err := wr.Write(rec); err != nil {
		return nil, fmt.Errorf("flightscore: send batch: %w", err)
	}
	if err := wr.Close(); err != nil {
		return nil, fmt.Errorf("flightscore: close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("flightscore: close send: %w", err)
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("flightscore: read reply: %w", err)
	}
	defer rdr.Release()

	var scores []float64
	for rdr.Next() {
		reply := rdr.Record()
		col, err := scoreColumn(reply)
		if err != nil {
			return nil, fmt.Errorf("flightscore: metric %q: %w", metricName, err)
		}
		scores = append(scores, col...)
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("flightscore: metric %q stream: %w", metricName, err)
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("flightscore: metric %q returned no scores", metricName)
	}
	return scores, nil
}

func scoreColumn(rec arrow.Record) ([]float64, error) {
	if rec.NumCols() < 1 {
		return nil, fmt.Errorf("reply record has no columns")
	}
	switch col := rec.Column(0).(type) {
	case *array.Float64:
		out := make([]float64, col.Len())
		for i := range out {
			out[i] = col.Value(i)
		}
		return out, nil
	case *array.Float32:
		out := make([]float64, col.Len())
		for i := range out {
			out[i] = float64(col.Value(i))
		}
		return out, nil
	}
	return nil, fmt.Errorf("reply column type %s not a score vector", rec.Column(0).DataType())
}
