package clients

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/nocturne/connectors/pkg/errors"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics
const maxErrorBody = 512

// ClassifyStatus maps an HTTP status to the error taxonomy. It returns nil
// for statuses below 400.
func ClassifyStatus(status int, detail string) error {
	if status < 400 {
		return nil
	}
	msg := fmt.Sprintf("vendor responded %d %s", status, http.StatusText(status))
	var err *errors.Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err = errors.Authentication(msg, nil)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		err = errors.Transient(msg, nil)
	default:
		err = errors.Permanent(msg, nil)
	}
	err.WithDetail("status", status)
	if detail != "" {
		err.WithDetail("body", detail)
	}
	return err
}

// ClassifyResponse returns the classified error for a failed response, or nil.
// It reads a bounded prefix of the body; the caller still closes it.
func ClassifyResponse(resp *http.Response) error {
	if resp == nil {
		return errors.Transient("no response", nil)
	}
	if resp.StatusCode < 400 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return ClassifyStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// ClassifyTransportError maps a failed round trip to the error taxonomy.
// Timeouts and transport failures are transient; cancellation is not, so a
// shutdown never triggers a retry.
func ClassifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return err
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.Wrap(err, errors.ErrorTypeInternal, "request canceled")
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Transient("request timed out", err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Transient("request timed out", err)
	}
	return errors.Transient("transport failure", err)
}
