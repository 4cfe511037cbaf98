package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/reservation-engine/internal/application"
	"github.com/example/reservation-engine/internal/clock"
)

const dateLayout = "2006-01-02"

// decodeJSON decodes the request body into dst. An empty body leaves dst
// untouched.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func parseTimestamp(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts
	}
	return time.Time{}
}

func formatTimestamp(ts time.Time, loc *time.Location) string {
	if ts.IsZero() {
		return ""
	}
	if loc != nil {
		ts = ts.In(loc)
	}
	return ts.Format(time.RFC3339)
}

func parseDate(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(dateLayout, strings.TrimSpace(value), loc)
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// patchRequest is the wire form of a ReservationPatch. Times are "HH:MM".
type patchRequest struct {
	StartTime       *string `json:"start_time"`
	EndTime         *string `json:"end_time"`
	DurationMinutes *int    `json:"duration_minutes"`
	Kind            *string `json:"kind"`
	SessionMode     *string `json:"session_mode"`
	Price           *int64  `json:"price"`
	Notes           *string `json:"notes"`
}

func (p patchRequest) toPatch() (application.ReservationPatch, error) {
	patch := application.ReservationPatch{
		DurationMinutes: p.DurationMinutes,
		Price:           p.Price,
		Notes:           p.Notes,
	}
	fieldErrors := map[string]string{}

	if p.StartTime != nil {
		tod, err := clock.ParseTimeOfDay(*p.StartTime)
		if err != nil {
			fieldErrors["start_time"] = "start_time must be HH:MM"
		} else {
			patch.StartTime = &tod
		}
	}
	if p.EndTime != nil {
		tod, err := clock.ParseTimeOfDay(*p.EndTime)
		if err != nil {
			fieldErrors["end_time"] = "end_time must be HH:MM"
		} else {
			patch.EndTime = &tod
		}
	}
	if p.Kind != nil {
		kind := application.SessionKind(strings.TrimSpace(*p.Kind))
		patch.Kind = &kind
	}
	if p.SessionMode != nil {
		mode := application.SessionMode(strings.TrimSpace(*p.SessionMode))
		patch.SessionMode = &mode
	}

	if len(fieldErrors) > 0 {
		return application.ReservationPatch{}, &application.ValidationError{FieldErrors: fieldErrors}
	}
	return patch, nil
}
