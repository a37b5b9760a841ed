package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/chazu/peephole/bridge"
	"github.com/chazu/peephole/handles"
	"github.com/chazu/peephole/inspector"
)

// The operations below back both the JSON API and the Connect service.
// Errors are *connect.Error so each surface can map the code itself.

// Roots resolves every configured root on the owner and registers it.
// Roots whose getter fails or returns nil are skipped.
func (s *Server) Roots(ctx context.Context) ([]inspector.RootEntry, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	roots, err := bridge.Do(ctx, s.run, func(context.Context) ([]inspector.RootEntry, error) {
		out := make([]inspector.RootEntry, 0, len(s.roots))
		for _, src := range s.roots {
			if entry, ok := s.root(src); ok {
				out = append(out, entry)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, ownerError(err)
	}
	return roots, nil
}

func (s *Server) root(src RootSource) (entry inspector.RootEntry, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warningf("could not get root %q: %v", src.Name, r)
			ok = false
		}
	}()
	if src.Get == nil {
		return entry, false
	}
	v, err := src.Get()
	if err != nil {
		log.Warningf("could not get root %q: %s", src.Name, err)
		return entry, false
	}
	if v == nil {
		return entry, false
	}
	entry, err = s.inspector.Root(src.Name, v)
	if err != nil {
		log.Warningf("could not register root %q: %s", src.Name, err)
		return entry, false
	}
	return entry, true
}

// Inspect describes the object behind handleID.
func (s *Server) Inspect(ctx context.Context, handleID string) (*inspector.Result, error) {
	h, err := parseHandle(handleID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.call(ctx)
	defer cancel()
	res, err := bridge.Do(ctx, s.run, func(context.Context) (*inspector.Result, error) {
		return s.inspector.Inspect(h)
	})
	if err != nil {
		if errors.Is(err, inspector.ErrNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle not found: %s", handleID))
		}
		return nil, ownerError(err)
	}
	return res, nil
}

// ClearHandles drops every handle. Previously issued IDs become stale.
func (s *Server) ClearHandles(ctx context.Context) error {
	ctx, cancel := s.call(ctx)
	defer cancel()
	_, err := s.run.Run(ctx, func(context.Context) (any, error) {
		n := s.registry.Count()
		s.registry.Clear()
		log.Debugf("cleared %d handles", n)
		return nil, nil
	})
	if err != nil {
		return ownerError(err)
	}
	return nil
}

// Image encodes the object behind handleID with the configured encoder.
func (s *Server) Image(ctx context.Context, handleID string) ([]byte, error) {
	h, err := handles.Parse(handleID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("Invalid handleId format"))
	}
	ctx, cancel := s.call(ctx)
	defer cancel()
	data, err := bridge.Do(ctx, s.run, func(context.Context) ([]byte, error) {
		obj, ok := s.registry.TryGet(h)
		if !ok {
			return nil, fmt.Errorf("%w: %s", inspector.ErrNotFound, h)
		}
		return s.images.Encode(obj)
	})
	switch {
	case errors.Is(err, inspector.ErrNotFound):
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle not found: %s", handleID))
	case errors.Is(err, ErrNotImage):
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	case err != nil:
		return nil, ownerError(err)
	case len(data) == 0:
		return nil, connect.NewError(connect.CodeNotFound, errors.New("Could not extract image from handle"))
	}
	return data, nil
}

func parseHandle(id string) (handles.Handle, error) {
	if id == "" {
		return handles.Nil, connect.NewError(connect.CodeInvalidArgument, errors.New("Invalid or missing handleId"))
	}
	h, err := handles.Parse(id)
	if err != nil {
		return handles.Nil, connect.NewError(connect.CodeInvalidArgument, errors.New("Invalid or missing handleId"))
	}
	return h, nil
}
