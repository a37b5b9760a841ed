package server

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"

	"github.com/chazu/peephole/content"
	"github.com/chazu/peephole/discovery"
)

// ownerError classifies a failure of work sent to the owner goroutine.
func ownerError(err error) *connect.Error {
	var ce *connect.Error
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// contentError classifies a content store failure.
func contentError(err error) *connect.Error {
	var failure *discovery.Failure
	switch {
	case errors.Is(err, content.ErrInvalidID):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, content.ErrNotFound), errors.Is(err, content.ErrNoIcon):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.As(err, &failure), errors.Is(err, content.ErrNoHolder):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	return ownerError(err)
}

// httpStatus maps a Connect code onto the JSON API's status codes.
func httpStatus(code connect.Code) int {
	switch code {
	case connect.CodeInvalidArgument:
		return http.StatusBadRequest
	case connect.CodeNotFound:
		return http.StatusNotFound
	case connect.CodeAborted, connect.CodeAlreadyExists:
		return http.StatusConflict
	case connect.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case connect.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorStatus returns the status and message reported for err.
func errorStatus(err error) (int, string) {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return httpStatus(ce.Code()), ce.Message()
	}
	return http.StatusInternalServerError, err.Error()
}
