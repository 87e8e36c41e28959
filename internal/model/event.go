package model

import (
	"fmt"
	"time"

	"github.com/CZERTAINLY/ppsrunner/internal/message"
)

// Event is a level-1 notification with the fields the runner relies on
// lifted out of the payload.
type Event struct {
	Message  message.Message
	Platform string
	Orbit    int
	Start    time.Time
	End      time.Time
	Sensor   string
	Level    string
	Variant  string
}

// ParseEvent extracts platform_name, orbit_number and start_time, which are
// mandatory. Everything else is optional.
func ParseEvent(m message.Message) (Event, error) {
	ev := Event{Message: m}
	var ok bool
	if ev.Platform, ok = message.String(m.Data, "platform_name"); !ok || ev.Platform == "" {
		return Event{}, fmt.Errorf("%w: platform_name", ErrMissingField)
	}
	if ev.Orbit, ok = message.Int(m.Data, "orbit_number"); !ok {
		return Event{}, fmt.Errorf("%w: orbit_number", ErrMissingField)
	}
	if ev.Start, ok = message.Time(m.Data, "start_time"); !ok {
		return Event{}, fmt.Errorf("%w: start_time", ErrMissingField)
	}
	ev.End, _ = message.Time(m.Data, "end_time")
	ev.Level, _ = message.String(m.Data, "data_processing_level")
	ev.Variant, _ = message.String(m.Data, "variant")
	ev.Sensor = sensor(m.Data["sensor"])
	return ev, nil
}

// sensor accepts a plain string or a single element list.
func sensor(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		if len(x) == 1 {
			s, _ := x[0].(string)
			return s
		}
	case []string:
		if len(x) == 1 {
			return x[0]
		}
	}
	return ""
}

// URIs lists the file references carried by the event: the uri of a file
// message, every member of a dataset, every member of every dataset in a
// collection.
func (e Event) URIs() ([]string, error) {
	data := e.Message.Data
	switch e.Message.Type {
	case message.TypeFile:
		uri, ok := message.String(data, "uri")
		if !ok {
			return nil, fmt.Errorf("%w: uri", ErrMissingField)
		}
		return []string{uri}, nil
	case message.TypeDataset:
		return datasetURIs(data["dataset"])
	case message.TypeCollection:
		items, ok := data["collection"].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: collection", ErrMissingField)
		}
		var uris []string
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			u, err := datasetURIs(m["dataset"])
			if err != nil {
				return nil, err
			}
			uris = append(uris, u...)
		}
		return uris, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, e.Message.Type)
}

func datasetURIs(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: dataset", ErrMissingField)
	}
	uris := make([]string, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if uri, ok := message.String(m, "uri"); ok {
			uris = append(uris, uri)
		}
	}
	return uris, nil
}
