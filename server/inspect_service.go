package server

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/chazu/peephole/inspector"
)

const (
	// InspectionServiceName is the fully-qualified name of the service.
	InspectionServiceName = "peephole.v1.InspectionService"

	InspectionServiceRootsProcedure        = "/peephole.v1.InspectionService/Roots"
	InspectionServiceInspectProcedure      = "/peephole.v1.InspectionService/Inspect"
	InspectionServiceClearHandlesProcedure = "/peephole.v1.InspectionService/ClearHandles"
)

type RootsRequest struct{}

type RootsResponse struct {
	Roots []inspector.RootEntry `json:"roots"`
}

type InspectRequest struct {
	HandleID string `json:"handleId"`
}

type ClearHandlesRequest struct{}

type ClearHandlesResponse struct {
	Cleared bool `json:"cleared"`
}

// InspectService implements the InspectionService Connect handler.
type InspectService struct {
	srv *Server
}

// NewInspectService creates an InspectService over srv.
func NewInspectService(srv *Server) *InspectService {
	return &InspectService{srv: srv}
}

// Roots lists the named entry points, registering each.
func (s *InspectService) Roots(
	ctx context.Context,
	_ *connect.Request[RootsRequest],
) (*connect.Response[RootsResponse], error) {
	roots, err := s.srv.Roots(ctx)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&RootsResponse{Roots: roots}), nil
}

// Inspect returns the shallow description of one handle.
func (s *InspectService) Inspect(
	ctx context.Context,
	req *connect.Request[InspectRequest],
) (*connect.Response[inspector.Result], error) {
	res, err := s.srv.Inspect(ctx, req.Msg.HandleID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(res), nil
}

// ClearHandles invalidates every issued handle.
func (s *InspectService) ClearHandles(
	ctx context.Context,
	_ *connect.Request[ClearHandlesRequest],
) (*connect.Response[ClearHandlesResponse], error) {
	if err := s.srv.ClearHandles(ctx); err != nil {
		return nil, err
	}
	return connect.NewResponse(&ClearHandlesResponse{Cleared: true}), nil
}

// NewInspectionServiceHandlers returns the service's handlers keyed by
// procedure path.
func NewInspectionServiceHandlers(srv *Server, opts ...connect.HandlerOption) map[string]http.Handler {
	svc := NewInspectService(srv)
	opts = append([]connect.HandlerOption{
		connect.WithCodec(JSONCodec{}),
		connect.WithCodec(CBORCodec{}),
	}, opts...)
	return map[string]http.Handler{
		InspectionServiceRootsProcedure: connect.NewUnaryHandler(
			InspectionServiceRootsProcedure, svc.Roots, opts...),
		InspectionServiceInspectProcedure: connect.NewUnaryHandler(
			InspectionServiceInspectProcedure, svc.Inspect, opts...),
		InspectionServiceClearHandlesProcedure: connect.NewUnaryHandler(
			InspectionServiceClearHandlesProcedure, svc.ClearHandles, opts...),
	}
}

// InspectionClient calls an InspectionService.
type InspectionClient struct {
	roots        *connect.Client[RootsRequest, RootsResponse]
	inspect      *connect.Client[InspectRequest, inspector.Result]
	clearHandles *connect.Client[ClearHandlesRequest, ClearHandlesResponse]
}

// NewInspectionClient creates a client for the service at baseURL. It speaks
// JSON unless opts select another codec.
func NewInspectionClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *InspectionClient {
	opts = append([]connect.ClientOption{connect.WithCodec(JSONCodec{})}, opts...)
	return &InspectionClient{
		roots: connect.NewClient[RootsRequest, RootsResponse](
			httpClient, baseURL+InspectionServiceRootsProcedure, opts...),
		inspect: connect.NewClient[InspectRequest, inspector.Result](
			httpClient, baseURL+InspectionServiceInspectProcedure, opts...),
		clearHandles: connect.NewClient[ClearHandlesRequest, ClearHandlesResponse](
			httpClient, baseURL+InspectionServiceClearHandlesProcedure, opts...),
	}
}

func (c *InspectionClient) Roots(ctx context.Context) ([]inspector.RootEntry, error) {
	resp, err := c.roots.CallUnary(ctx, connect.NewRequest(&RootsRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Roots, nil
}

func (c *InspectionClient) Inspect(ctx context.Context, handleID string) (*inspector.Result, error) {
	resp, err := c.inspect.CallUnary(ctx, connect.NewRequest(&InspectRequest{HandleID: handleID}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *InspectionClient) ClearHandles(ctx context.Context) error {
	_, err := c.clearHandles.CallUnary(ctx, connect.NewRequest(&ClearHandlesRequest{}))
	return err
}
