// Package actflight serves activation stores over Arrow Flight and fetches
// them back into memory.
package actflight

import (
	"context"
	"errors"
	"os"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-sae/internal/logger"
	"github.com/23skdu/longbow-sae/internal/store"
)

// Service exposes the stores of a collection directory read-only. Each
// label is one flight; the ticket is the label itself.
type Service struct {
	flight.BaseFlightServer

	dir       string
	labels    []string
	chunkRows int
	mem       memory.Allocator
}

// NewService serves the given labels from dir.
func NewService(dir string, labels []string) *Service {
	return &Service{
		dir:       dir,
		labels:    labels,
		chunkRows: store.DefaultChunkRows,
		mem:       memory.NewGoAllocator(),
	}
}

func (s *Service) known(label string) bool {
	for _, l := range s.labels {
		if l == label {
			return true
		}
	}
	return false
}

func (s *Service) open(label string) (*store.Reader, error) {
	if !s.known(label) {
		return nil, status.Errorf(codes.NotFound, "unknown store %q", label)
	}
	r, err := store.OpenLabel(s.dir, label)
	if errors.Is(err, os.ErrNotExist) {
		return nil, status.Errorf(codes.NotFound, "store %q not collected", label)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "open store %q: %v", label, err)
	}
	return r, nil
}

func (s *Service) info(label string, r *store.Reader) *flight.FlightInfo {
	meta := r.Meta()
	return &flight.FlightInfo{
		Schema: flight.SerializeSchema(store.Schema(meta), s.mem),
		FlightDescriptor: &flight.FlightDescriptor{
			Type: flight.DescriptorPATH,
			Path: []string{label},
		},
		Endpoint: []*flight.FlightEndpoint{{
			Ticket: &flight.Ticket{Ticket: []byte(label)},
		}},
		TotalRecords: int64(r.Len()),
		TotalBytes:   int64(r.Len()) * int64(4+4*r.DModel()),
	}
}

// ListFlights sends one FlightInfo per collected store.
func (s *Service) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	for _, label := range s.labels {
		r, err := s.open(label)
		if status.Code(err) == codes.NotFound {
			continue
		}
		if err != nil {
			return err
		}
		info := s.info(label, r)
		r.Close()
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) GetFlightInfo(_ context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if desc == nil || len(desc.Path) != 1 {
		return nil, status.Error(codes.InvalidArgument, "descriptor path must name one store label")
	}
	r, err := s.open(desc.Path[0])
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return s.info(desc.Path[0], r), nil
}

// DoGet streams the store named by the ticket in record batches.
func (s *Service) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	label := string(tkt.GetTicket())
	r, err := s.open(label)
	if err != nil {
		return err
	}
	defer r.Close()

	schema := store.Schema(r.Meta())
	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(s.mem))
	defer w.Close()

	batches := 0
	for lo := 0; lo < r.Len(); lo += s.chunkRows {
		if err := stream.Context().Err(); err != nil {
			return status.FromContextError(err).Err()
		}
		hi := lo + s.chunkRows
		if hi > r.Len() {
			hi = r.Len()
		}
		rec, err := r.Record(s.mem, schema, lo, hi)
		if err != nil {
			return status.Errorf(codes.Internal, "build batch: %v", err)
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
		batches++
	}
	logger.Log.Debug("Store streamed", "component", "actflight", "label", label, "rows", r.Len(), "batches", batches)
	return nil
}

// Server owns the gRPC listener of a Service.
type Server struct {
	srv flight.Server
}

// Listen binds addr and registers svc. Serve must be called to accept
// connections.
func Listen(addr string, svc *Service) (*Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, err
	}
	srv.RegisterFlightService(svc)
	return &Server{srv: srv}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string { return s.srv.Addr().String() }

// Serve blocks until Shutdown is called.
func (s *Server) Serve() error {
	logger.Log.Info("Flight server listening", "addr", s.Addr())
	if err := s.srv.Serve(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Shutdown() { s.srv.Shutdown() }
