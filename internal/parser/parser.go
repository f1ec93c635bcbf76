package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/saviobatista/fleet-tracker/internal/types"
)

// ErrUnknownEvent is returned for event names other than delta-update and
// backlog-chunk
var ErrUnknownEvent = errors.New("unknown event")

// Result is a decoded push event plus the number of tuples that could not
// be decoded and were dropped
type Result struct {
	Event   types.Event
	Dropped int
}

// wireSample is one {sec|seq, lat, lng, angle, speed, cumulativeDistance} tuple
type wireSample struct {
	Sec                *number `json:"sec"`
	Seq                *number `json:"seq"`
	Lat                *number `json:"lat"`
	Lng                *number `json:"lng"`
	Angle              *number `json:"angle"`
	Speed              *number `json:"speed"`
	CumulativeDistance *number `json:"cumulativeDistance"`
}

type wireBatch struct {
	VehicleID string            `json:"vehicleId"`
	Samples   []json.RawMessage `json:"samples"`
}

// number accepts a JSON number or a numeric string
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("null number")
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite number %q", s)
		}
		*n = number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

// DecodeEvent decodes a named push event. The payload is either a JSON array
// of sample tuples, in which case the vehicle is taken from a vehicle
// context, or an object {"vehicleId": ..., "samples": [...]}.
func DecodeEvent(name string, payload []byte, tc types.TrackingContext) (*Result, error) {
	if name != types.EventDeltaUpdate && name != types.EventBacklogChunk {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	vehicleID, raw, err := splitPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", name, err)
	}
	if vehicleID == "" {
		if tc.Kind != types.ContextVehicle {
			return nil, fmt.Errorf("invalid %s payload: vehicleId is required for %s context", name, tc.Kind)
		}
		vehicleID = tc.ID
	}

	samples := make([]types.PositionSample, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		sample, err := ParseSample(r)
		if err != nil {
			dropped++
			continue
		}
		samples = append(samples, sample)
	}

	res := &Result{Dropped: dropped}
	switch name {
	case types.EventDeltaUpdate:
		res.Event = types.DeltaUpdate{VehicleID: vehicleID, Samples: samples}
	case types.EventBacklogChunk:
		res.Event = types.BacklogChunk{VehicleID: vehicleID, Samples: samples}
	}
	return res, nil
}

func splitPayload(payload []byte) (string, []json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return "", nil, fmt.Errorf("empty payload")
	}

	switch trimmed[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return "", nil, err
		}
		return "", raw, nil
	case '{':
		var batch wireBatch
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return "", nil, err
		}
		if batch.Samples == nil {
			// a single bare tuple
			return batch.VehicleID, []json.RawMessage{trimmed}, nil
		}
		return batch.VehicleID, batch.Samples, nil
	default:
		return "", nil, fmt.Errorf("expected array or object")
	}
}

// ParseSample decodes one sample tuple. The sequence key is "seq" when
// present, otherwise "sec" in milliseconds.
func ParseSample(raw []byte) (types.PositionSample, error) {
	var w wireSample
	if err := json.Unmarshal(raw, &w); err != nil {
		return types.PositionSample{}, fmt.Errorf("%w: %v", types.ErrMalformedSample, err)
	}
	if w.Lat == nil || w.Lng == nil {
		return types.PositionSample{}, fmt.Errorf("%w: missing lat/lng", types.ErrMalformedSample)
	}

	var rawKey float64
	switch {
	case w.Seq != nil:
		rawKey = float64(*w.Seq)
		if rawKey != math.Trunc(rawKey) {
			return types.PositionSample{}, fmt.Errorf("%w: fractional seq %v", types.ErrMalformedSample, rawKey)
		}
	case w.Sec != nil:
		rawKey = math.Round(float64(*w.Sec) * 1000)
	default:
		return types.PositionSample{}, fmt.Errorf("%w: missing sec/seq", types.ErrMalformedSample)
	}
	key, ok := sequenceKey(rawKey)
	if !ok {
		return types.PositionSample{}, fmt.Errorf("%w: sequence key %v out of range", types.ErrMalformedSample, rawKey)
	}

	return types.PositionSample{
		Coordinate:  types.Coordinate{Lat: float64(*w.Lat), Lng: float64(*w.Lng)},
		Angle:       optional(w.Angle),
		SpeedKph:    optional(w.Speed),
		TripMeterM:  optional(w.CumulativeDistance),
		SequenceKey: key,
	}, nil
}

// sequenceKey converts an integral float to a key when it fits an int64
func sequenceKey(f float64) (int64, bool) {
	if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func optional(n *number) *float64 {
	if n == nil {
		return nil
	}
	f := float64(*n)
	return &f
}

// EncodeSamples renders samples back into the wire tuple form
func EncodeSamples(vehicleID string, samples []types.PositionSample) ([]byte, error) {
	out := make([]map[string]interface{}, 0, len(samples))
	for _, s := range samples {
		m := map[string]interface{}{
			"seq": s.SequenceKey,
			"lat": s.Coordinate.Lat,
			"lng": s.Coordinate.Lng,
		}
		if s.Angle != nil {
			m["angle"] = *s.Angle
		}
		if s.SpeedKph != nil {
			m["speed"] = *s.SpeedKph
		}
		if s.TripMeterM != nil {
			m["cumulativeDistance"] = *s.TripMeterM
		}
		out = append(out, m)
	}
	return json.Marshal(map[string]interface{}{
		"vehicleId": vehicleID,
		"samples":   out,
	})
}
