package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nm-morais/waterme/pkg/errors"
	"github.com/nm-morais/waterme/pkg/request"
)

const (
	MaxDatagramSize = 1024

	requestDataLiteral = "request_data"
	resetLiteral       = "reset"
	codecCaller        = "MessageCodec"
)

type Kind uint8

const (
	KindRequestData Kind = iota
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindRequestData:
		return requestDataLiteral
	case KindReset:
		return resetLiteral
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Reading is the moisture percentage and temperature in Fahrenheit.
type Reading struct {
	Moisture    int
	Temperature int
}

func (r Reading) String() string {
	return fmt.Sprintf("moisture=%d%% temperature=%dF", r.Moisture, r.Temperature)
}

type Request struct {
	ID   request.ID
	Kind Kind
}

func NewDataRequest(id request.ID) Request {
	return Request{ID: id, Kind: KindRequestData}
}

func NewResetRequest() Request {
	return Request{Kind: KindReset}
}

// Serialize encodes "<id>:request_data", or the bare "reset" literal.
func (r Request) Serialize() []byte {
	if r.Kind == KindReset {
		return []byte(resetLiteral)
	}
	return []byte(fmt.Sprintf("%d:%s", r.ID, requestDataLiteral))
}

func DeserializeRequest(buf []byte) (Request, errors.Error) {
	if len(buf) > MaxDatagramSize {
		return Request{}, decodeErr("request of %d bytes exceeds %d", len(buf), MaxDatagramSize)
	}
	payload := strings.TrimSpace(string(buf))
	if payload == resetLiteral {
		return NewResetRequest(), nil
	}
	idStr, kind, found := strings.Cut(payload, ":")
	if !found {
		return Request{}, decodeErr("malformed request %q", payload)
	}
	switch kind {
	case requestDataLiteral:
		id, err := parseID(idStr)
		if err != nil {
			return Request{}, err
		}
		return NewDataRequest(id), nil
	case resetLiteral:
		// some senders tag resets with an ID; nothing answers a reset, so it is dropped
		return NewResetRequest(), nil
	default:
		return Request{}, decodeErr("unknown request kind %q", kind)
	}
}

type Response struct {
	ID      request.ID
	Reading Reading
}

// Serialize encodes "<id>:<moisture>,<temperature>".
func (r Response) Serialize() []byte {
	return []byte(fmt.Sprintf("%d:%d,%d", r.ID, r.Reading.Moisture, r.Reading.Temperature))
}

func DeserializeResponse(buf []byte) (Response, errors.Error) {
	if len(buf) > MaxDatagramSize {
		return Response{}, decodeErr("response of %d bytes exceeds %d", len(buf), MaxDatagramSize)
	}
	payload := strings.TrimSpace(string(buf))
	if strings.Count(payload, ":") != 1 {
		return Response{}, decodeErr("malformed response %q", payload)
	}
	idStr, values, _ := strings.Cut(payload, ":")
	id, err := parseID(idStr)
	if err != nil {
		return Response{}, err
	}
	reading, err := ParseReading(values)
	if err != nil {
		return Response{}, err
	}
	return Response{ID: id, Reading: reading}, nil
}

// ParseReading decodes the "<moisture>,<temperature>" pair.
func ParseReading(s string) (Reading, errors.Error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return Reading{}, decodeErr("expected 2 values, got %d in %q", len(parts), s)
	}
	moisture, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Reading{}, decodeErr("bad moisture %q", parts[0])
	}
	if moisture < 0 || moisture > 100 {
		return Reading{}, decodeErr("moisture %d outside 0..100", moisture)
	}
	temperature, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Reading{}, decodeErr("bad temperature %q", parts[1])
	}
	return Reading{Moisture: moisture, Temperature: temperature}, nil
}

// FormatReading is the "<moisture>,<temperature>" pair used by the HTTP endpoint.
func FormatReading(r Reading) string {
	return fmt.Sprintf("%d,%d", r.Moisture, r.Temperature)
}

func parseID(s string) (request.ID, errors.Error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, decodeErr("bad request id %q", s)
	}
	return request.ID(id), nil
}

func decodeErr(format string, args ...interface{}) errors.Error {
	return errors.TemporaryError(errors.CodeDecode, fmt.Sprintf(format, args...), codecCaller)
}
