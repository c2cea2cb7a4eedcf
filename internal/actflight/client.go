package actflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-sae/internal/store"
	"github.com/23skdu/longbow-sae/internal/tensor"
)

// DefaultPort is the Flight port used when none is configured.
const DefaultPort = 8815

var ErrNotConnected = errors.New("client not connected, call Connect() first")

// FlightClient fetches activation stores from a Service.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// NewFlightClient prepares a client for host:port. Connect dials it.
func NewFlightClient(host string, port int) *FlightClient {
	if port <= 0 {
		port = DefaultPort
	}
	return &FlightClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
	}
}

// NewFlightClientAddr prepares a client for an address in host:port form.
func NewFlightClientAddr(addr string) *FlightClient {
	return &FlightClient{addr: addr, timeout: 30 * time.Second}
}

func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// StoreInfo summarises one served store.
type StoreInfo struct {
	Label string
	Rows  int64
}

// List returns the stores the server has collected.
func (fc *FlightClient) List(ctx context.Context) ([]StoreInfo, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, fmt.Errorf("failed to list flights: %w", err)
	}
	var out []StoreInfo
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list flights: %w", err)
		}
		label := ""
		if p := info.GetFlightDescriptor().GetPath(); len(p) > 0 {
			label = p[0]
		}
		out = append(out, StoreInfo{Label: label, Rows: info.GetTotalRecords()})
	}
}

// GetSchema retrieves the Arrow schema of a store.
func (fc *FlightClient) GetSchema(ctx context.Context, label string) (*arrow.Schema, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	info, err := fc.client.GetFlightInfo(ctx, &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{label},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get flight info: %w", err)
	}
	return flight.DeserializeSchema(info.GetSchema(), memory.DefaultAllocator)
}

// Batch is a fetched store held in memory.
type Batch struct {
	Label    string
	Metadata map[string]string
	Tokens   []int32
	Acts     *tensor.Matrix
}

// Fetch streams a whole store.
func (fc *FlightClient) Fetch(ctx context.Context, label string) (*Batch, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(label)})
	if err != nil {
		return nil, fmt.Errorf("failed to start DoGet: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer rdr.Release()

	schema := rdr.Schema()
	b := &Batch{Label: label, Metadata: make(map[string]string)}
	md := schema.Metadata()
	for i, k := range md.Keys() {
		b.Metadata[k] = md.Values()[i]
	}
	listType, ok := schema.Field(1).Type.(*arrow.FixedSizeListType)
	if !ok {
		return nil, fmt.Errorf("unexpected activation column type %s", schema.Field(1).Type)
	}
	d := int(listType.Len())

	var data []float32
	for rdr.Next() {
		rec := rdr.Record()
		b.Tokens = append(b.Tokens, rec.Column(0).(*array.Int32).Int32Values()...)
		col := rec.Column(1).(*array.FixedSizeList)
		vals := col.ListValues().(*array.Float32).Float32Values()
		off := col.Offset()
		data = append(data, vals[off*d:(off+col.Len())*d]...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	b.Acts = tensor.View(data, len(b.Tokens), d)
	return b, nil
}

// Save writes b as a local store under dir, keeping the producer's model
// metadata.
func (b *Batch) Save(dir string) (*store.Meta, error) {
	n := len(b.Tokens)
	if n == 0 {
		return nil, fmt.Errorf("store %s: no rows fetched", b.Label)
	}
	w, err := store.Create(dir, b.Label, n, b.Acts.Cols)
	if err != nil {
		return nil, err
	}
	if _, err := w.Append(b.Acts.Data, b.Tokens); err != nil {
		w.Close(store.Meta{})
		return nil, err
	}
	layer, _ := strconv.Atoi(b.Metadata["layer_index"])
	return w.Close(store.Meta{
		ModelName:        b.Metadata["model_name"],
		LayerIndex:       layer,
		ActivationStream: b.Metadata["activation_stream"],
	})
}
