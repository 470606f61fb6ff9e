// Package audit writes one JSON line per security relevant action: logins,
// registry mutations and admin changes.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"time"

	"metaprofile.org/internal/auth"
	"metaprofile.org/internal/obs"
)

type ctxKey struct{}

// Entry is the shape of an audit line.
type Entry struct {
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	Caller    string         `json:"caller,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// WithRequestID attaches the request identifier so later entries can carry it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID = strings.TrimSpace(requestID); requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

func requestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	rid, _ := ctx.Value(ctxKey{}).(string)
	return rid
}

// NewEntry builds an entry for event from the request id and caller found in ctx.
func NewEntry(ctx context.Context, event string, fields map[string]any) (Entry, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return Entry{}, errors.New("audit: event name is required")
	}
	e := Entry{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Type:      "audit",
		Event:     event,
		RequestID: requestID(ctx),
		Fields:    map[string]any{},
	}
	if ctx != nil {
		if caller, ok := auth.CallerFromContext(ctx); ok {
			e.Caller = caller.Hex()
		}
	}
	if len(fields) > 0 {
		e.Fields = maps.Clone(fields)
	}
	return e, nil
}

// LogEvent writes an audit entry for event.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	e, err := NewEntry(ctx, event, fields)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
