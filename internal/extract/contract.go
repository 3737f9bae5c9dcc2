// Package extract maps a spoken inventory count to a structured record.
//
// Every engine (deterministic rules, a language model, or a remote service reached
// over the bus) implements Extractor and must satisfy the same normalization rules:
// nine digit product codes, independent nullable counts, ISO manufacture dates and
// canonical "L NNN NNNN" addresses. Normalize applies those rules to any engine output.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/inventory"
)

// DateLayout is the wire and record format for dates.
const DateLayout = "2006-01-02"

// ErrEmptyUtterance is returned when the request carries no text to extract from.
var ErrEmptyUtterance = errors.New("utterance text is empty")

// Request is the unit of work handed to an extraction engine. UtteranceText has the
// trigger phrase already removed.
type Request struct {
	SessionID     string `json:"session_id,omitempty"`
	UtteranceText string `json:"utterance_text"`
	ReferenceDate string `json:"reference_date"`
}

// Reference parses ReferenceDate, falling back to now when it is unset.
func (r Request) Reference(now time.Time) (time.Time, error) {
	if strings.TrimSpace(r.ReferenceDate) == "" {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	ref, err := time.Parse(DateLayout, strings.TrimSpace(r.ReferenceDate))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid reference date %q: %w", r.ReferenceDate, err)
	}
	return ref, nil
}

// Extractor turns one utterance into one record. The call is atomic: it returns a
// complete record (fields individually nil) or an error.
type Extractor interface {
	Extract(ctx context.Context, req Request) (inventory.Record, error)
}

// Failure reasons.
const (
	ReasonUnavailable = "unavailable"
	ReasonEmpty       = "empty_response"
	ReasonMalformed   = "malformed_response"
	ReasonInvalid     = "invalid_request"
)

// Failure is the single error type a session sees when extraction does not produce a
// record. Message keeps the underlying service text so it can be shown to the user.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "extraction failed: " + f.Reason
	}
	return "extraction failed: " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail builds a Failure with the given reason.
func Fail(reason string, err error) *Failure {
	return &Failure{Reason: reason, Err: err}
}

// AsFailure converts any error into a Failure. Existing failures are returned as-is and
// everything else is classified as the service being unavailable.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, ErrEmptyUtterance) {
		return Fail(ReasonInvalid, err)
	}
	return Fail(ReasonUnavailable, err)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, req Request) (inventory.Record, error)

func (f ExtractorFunc) Extract(ctx context.Context, req Request) (inventory.Record, error) {
	return f(ctx, req)
}
