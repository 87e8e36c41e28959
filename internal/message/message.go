// Package message implements the pytroll text envelope used on the level-1
// and level-2 notification topics:
//
//	pytroll:/<subject> <type> <sender> <time> <version> <mime> <payload>
//
// Payloads are JSON objects. Datetimes travel as ISO-8601 strings and are
// restored to time.Time on decode.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	magic   = "pytroll:/"
	Version = "v1.01"

	mimeJSON = "application/json"
	mimeText = "text/ascii"

	timeLayout = "2006-01-02T15:04:05.999999"
)

const (
	TypeFile       = "file"
	TypeDataset    = "dataset"
	TypeCollection = "collection"
)

var (
	ErrNotPytroll      = errors.New("not a pytroll message")
	ErrMalformed       = errors.New("malformed message")
	ErrUnsupportedMime = errors.New("unsupported mime type")
)

var isoRx = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{1,9})?$`)

type Message struct {
	Subject string
	Type    string
	Sender  string
	Time    time.Time
	Version string
	Data    map[string]any
}

// New returns a message stamped with the current UTC time.
func New(subject, typ, sender string, data map[string]any) Message {
	return Message{
		Subject: normalizeSubject(subject),
		Type:    typ,
		Sender:  sender,
		Time:    time.Now().UTC(),
		Version: Version,
		Data:    data,
	}
}

func (m Message) String() string {
	b, err := m.Encode()
	if err != nil {
		return fmt.Sprintf("%s %s <%v>", m.Subject, m.Type, err)
	}
	return string(b)
}

// Encode renders the wire form of m.
func (m Message) Encode() ([]byte, error) {
	version := m.Version
	if version == "" {
		version = Version
	}
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteString(normalizeSubject(m.Subject))
	for _, s := range []string{m.Type, m.Sender, m.Time.UTC().Format(timeLayout), version} {
		buf.WriteByte(' ')
		buf.WriteString(s)
	}
	if m.Data == nil {
		return buf.Bytes(), nil
	}
	payload, err := json.Marshal(encodeValue(m.Data))
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	buf.WriteByte(' ')
	buf.WriteString(mimeJSON)
	buf.WriteByte(' ')
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Decode parses the wire form produced by Encode or by posttroll.
func Decode(raw []byte) (Message, error) {
	s := string(raw)
	if !strings.HasPrefix(s, magic) {
		return Message{}, ErrNotPytroll
	}
	parts := strings.SplitN(s[len(magic):], " ", 7)
	if len(parts) < 5 {
		return Message{}, fmt.Errorf("%w: %d header fields", ErrMalformed, len(parts))
	}
	ts, err := time.Parse("2006-01-02T15:04:05", parts[3])
	if err != nil {
		return Message{}, fmt.Errorf("%w: time: %w", ErrMalformed, err)
	}
	m := Message{
		Subject: normalizeSubject(parts[0]),
		Type:    parts[1],
		Sender:  parts[2],
		Time:    ts,
		Version: parts[4],
	}
	if len(parts) == 5 {
		return m, nil
	}
	if len(parts) != 7 {
		return Message{}, fmt.Errorf("%w: mime without payload", ErrMalformed)
	}
	switch parts[5] {
	case mimeJSON:
		dec := json.NewDecoder(strings.NewReader(parts[6]))
		dec.UseNumber()
		var data map[string]any
		if err := dec.Decode(&data); err != nil {
			return Message{}, fmt.Errorf("%w: payload: %w", ErrMalformed, err)
		}
		m.Data = decodeValue(data).(map[string]any)
	case mimeText:
		m.Data = map[string]any{"text": parts[6]}
	default:
		return Message{}, fmt.Errorf("%w: %s", ErrUnsupportedMime, parts[5])
	}
	return m, nil
}

// CopyData returns a deep copy of the payload so the result may be mutated
// without touching m.
func (m Message) CopyData() map[string]any {
	if m.Data == nil {
		return map[string]any{}
	}
	return copyValue(m.Data).(map[string]any)
}

func normalizeSubject(s string) string {
	if s == "" || strings.HasPrefix(s, "/") {
		return s
	}
	return "/" + s
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(timeLayout)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = encodeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = encodeValue(e)
		}
		return out
	default:
		return v
	}
}

func decodeValue(v any) any {
	switch x := v.(type) {
	case string:
		if isoRx.MatchString(x) {
			if t, err := time.Parse("2006-01-02T15:04:05", x); err == nil {
				return t
			}
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = decodeValue(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = decodeValue(e)
		}
		return x
	default:
		return v
	}
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := maps.Clone(x)
		for k, e := range out {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

// String returns data[key] when it holds a string.
func String(data map[string]any, key string) (string, bool) {
	s, ok := data[key].(string)
	return s, ok
}

// Int returns data[key] as an int. JSON numbers, Go integers and numeric
// strings are accepted.
func Int(data map[string]any, key string) (int, bool) {
	switch x := data[key].(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), x == float64(int(x))
	case json.Number:
		i, err := strconv.Atoi(x.String())
		return i, err == nil
	case string:
		i, err := strconv.Atoi(x)
		return i, err == nil
	}
	return 0, false
}

// Time returns data[key] when it holds a decoded datetime.
func Time(data map[string]any, key string) (time.Time, bool) {
	t, ok := data[key].(time.Time)
	return t, ok
}
