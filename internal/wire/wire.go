// Package wire encodes and decodes the newline-delimited JSON protocol
// spoken between this process and a positioning controller. Exactly one
// JSON object travels per line; commands carry a "cmd" tag, controller
// reports carry a "type" tag.
//
// Encode and Decode are pure: no I/O, no state, and decoding a line
// never mutates anything.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/moldmap/internal/geom"
)

// Decode failure classes, matchable with errors.Is.
var (
	// ErrMalformed: the line is not a JSON object.
	ErrMalformed = errors.New("malformed line")

	// ErrUnknownType: valid JSON, but the cmd/type tag is missing or
	// unrecognized.
	ErrUnknownType = errors.New("unknown message type")

	// ErrSchema: recognized message with required fields missing or of
	// the wrong shape.
	ErrSchema = errors.New("schema violation")
)

// Message is one protocol message. The concrete types are Map, Stop,
// Status, Validation, Pos, Progress, Complete, Report and Fault.
type Message interface {
	message()
}

// Map commands the controller to run the given path.
// {"cmd":"MAP","job_id":"…","path":[[x,y,z],…],"meta":{"units":"mm","feedrate":50}}
type Map struct {
	JobID string
	Path  []geom.Point3
	Meta  MapMeta
}

// MapMeta carries the display units and commanded feedrate for a MAP.
type MapMeta struct {
	Units    string
	Feedrate float64
}

// Stop commands the controller to halt. {"cmd":"STOP"}
type Stop struct{}

// Status asks the controller to report its state. {"cmd":"STATUS"}
type Status struct{}

// Validation is the controller's verdict on a received MAP.
// {"type":"VALIDATION","status":"VALID"} or
// {"type":"VALIDATION","status":"ERROR","message":"…"}
type Validation struct {
	OK      bool
	Message string
}

// Pos reports the head position. T is Unix epoch seconds.
// {"type":"POS","pos":[x,y,z],"t":1755900000}
type Pos struct {
	Position geom.Point3
	T        int64
}

// Progress reports how many waypoints the controller believes it has
// covered. {"type":"PROGRESS","visited":12,"total":44}
type Progress struct {
	Visited int
	Total   int
}

// Complete reports a finished mapping run.
// {"type":"COMPLETE","job_id":"…","duration_s":12.34}
type Complete struct {
	JobID     string
	DurationS float64
}

// Report answers a STATUS command.
// {"type":"STATUS","running":true,"job_id":"…"}
type Report struct {
	Running bool
	JobID   string
}

// Fault reports a protocol-level problem on the controller side.
// {"type":"ERROR","code":"UNKNOWN_CMD","message":"…"}
type Fault struct {
	Code    string
	Message string
}

func (Map) message()        {}
func (Stop) message()       {}
func (Status) message()     {}
func (Validation) message() {}
func (Pos) message()        {}
func (Progress) message()   {}
func (Complete) message()   {}
func (Report) message()     {}
func (Fault) message()      {}

const (
	cmdMap    = "MAP"
	cmdStop   = "STOP"
	cmdStatus = "STATUS"

	typeValidation = "VALIDATION"
	typePos        = "POS"
	typeProgress   = "PROGRESS"
	typeComplete   = "COMPLETE"
	typeStatus     = "STATUS"
	typeError      = "ERROR"

	statusValid = "VALID"
	statusError = "ERROR"
	// Older controller firmware reports INVALID instead of ERROR.
	statusInvalid = "INVALID"
)

type mapDoc struct {
	Cmd   string      `json:"cmd"`
	JobID string      `json:"job_id"`
	Path  [][]float64 `json:"path"`
	Meta  mapMetaDoc  `json:"meta"`
}

type mapMetaDoc struct {
	Units    string  `json:"units"`
	Feedrate float64 `json:"feedrate"`
}

type validationDoc struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type posDoc struct {
	Type string    `json:"type"`
	Pos  []float64 `json:"pos"`
	T    int64     `json:"t"`
}

type progressDoc struct {
	Type    string `json:"type"`
	Visited int    `json:"visited"`
	Total   int    `json:"total"`
}

type completeDoc struct {
	Type      string  `json:"type"`
	JobID     string  `json:"job_id"`
	DurationS float64 `json:"duration_s"`
}

type reportDoc struct {
	Type    string `json:"type"`
	Running bool   `json:"running"`
	JobID   string `json:"job_id,omitempty"`
}

type faultDoc struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Encode renders m as a single protocol line, trailing newline included.
func Encode(m Message) ([]byte, error) {
	var doc any
	switch m := m.(type) {
	case Map:
		path := make([][]float64, len(m.Path))
		for i, p := range m.Path {
			path[i] = []float64{p.X, p.Y, p.Z}
		}
		doc = mapDoc{
			Cmd:   cmdMap,
			JobID: m.JobID,
			Path:  path,
			Meta:  mapMetaDoc{Units: m.Meta.Units, Feedrate: m.Meta.Feedrate},
		}
	case Stop:
		doc = struct {
			Cmd string `json:"cmd"`
		}{cmdStop}
	case Status:
		doc = struct {
			Cmd string `json:"cmd"`
		}{cmdStatus}
	case Validation:
		status := statusValid
		if !m.OK {
			status = statusError
		}
		doc = validationDoc{Type: typeValidation, Status: status, Message: m.Message}
	case Pos:
		doc = posDoc{
			Type: typePos,
			Pos:  []float64{m.Position.X, m.Position.Y, m.Position.Z},
			T:    m.T,
		}
	case Progress:
		doc = progressDoc{Type: typeProgress, Visited: m.Visited, Total: m.Total}
	case Complete:
		doc = completeDoc{Type: typeComplete, JobID: m.JobID, DurationS: m.DurationS}
	case Report:
		doc = reportDoc{Type: typeStatus, Running: m.Running, JobID: m.JobID}
	case Fault:
		doc = faultDoc{Type: typeError, Code: m.Code, Message: m.Message}
	default:
		return nil, fmt.Errorf("unsupported message type %T", m)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", m, err)
	}
	return append(data, '\n'), nil
}

// Decode parses a single protocol line. Unknown extra fields are
// ignored; required fields that are missing or of the wrong shape
// produce ErrSchema.
func Decode(line []byte) (Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	var head struct {
		Cmd  string `json:"cmd"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case head.Cmd != "":
		switch head.Cmd {
		case cmdMap:
			return decodeMap(trimmed)
		case cmdStop:
			return Stop{}, nil
		case cmdStatus:
			return Status{}, nil
		default:
			return nil, fmt.Errorf("%w: cmd %q", ErrUnknownType, head.Cmd)
		}
	case head.Type != "":
		switch head.Type {
		case typeValidation:
			return decodeValidation(trimmed)
		case typePos:
			return decodePos(trimmed)
		case typeProgress:
			return decodeProgress(trimmed)
		case typeComplete:
			return decodeComplete(trimmed)
		case typeStatus:
			return decodeReport(trimmed)
		case typeError:
			return decodeFault(trimmed)
		default:
			return nil, fmt.Errorf("%w: type %q", ErrUnknownType, head.Type)
		}
	default:
		return nil, fmt.Errorf("%w: no cmd or type field", ErrUnknownType)
	}
}

func decodeMap(data []byte) (Message, error) {
	var body struct {
		JobID *string      `json:"job_id"`
		Path  *[][]float64 `json:"path"`
		Meta  *struct {
			Units    *string  `json:"units"`
			Feedrate *float64 `json:"feedrate"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: MAP: %v", ErrSchema, err)
	}
	if body.JobID == nil || body.Path == nil || body.Meta == nil {
		return nil, fmt.Errorf("%w: MAP requires job_id, path and meta", ErrSchema)
	}
	if body.Meta.Units == nil || body.Meta.Feedrate == nil {
		return nil, fmt.Errorf("%w: MAP meta requires units and feedrate", ErrSchema)
	}

	path := make([]geom.Point3, len(*body.Path))
	for i, coords := range *body.Path {
		p, err := triple(coords)
		if err != nil {
			return nil, fmt.Errorf("%w: MAP path[%d]: %v", ErrSchema, i, err)
		}
		path[i] = p
	}

	return Map{
		JobID: *body.JobID,
		Path:  path,
		Meta:  MapMeta{Units: *body.Meta.Units, Feedrate: *body.Meta.Feedrate},
	}, nil
}

func decodeValidation(data []byte) (Message, error) {
	var body struct {
		Status  *string `json:"status"`
		Message string  `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: VALIDATION: %v", ErrSchema, err)
	}
	if body.Status == nil {
		return nil, fmt.Errorf("%w: VALIDATION requires status", ErrSchema)
	}
	switch *body.Status {
	case statusValid:
		return Validation{OK: true, Message: body.Message}, nil
	case statusError, statusInvalid:
		return Validation{OK: false, Message: body.Message}, nil
	default:
		return nil, fmt.Errorf("%w: VALIDATION status %q", ErrSchema, *body.Status)
	}
}

func decodePos(data []byte) (Message, error) {
	var body struct {
		Pos []float64 `json:"pos"`
		T   *int64    `json:"t"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: POS: %v", ErrSchema, err)
	}
	if body.Pos == nil || body.T == nil {
		return nil, fmt.Errorf("%w: POS requires pos and t", ErrSchema)
	}
	p, err := triple(body.Pos)
	if err != nil {
		return nil, fmt.Errorf("%w: POS pos: %v", ErrSchema, err)
	}
	return Pos{Position: p, T: *body.T}, nil
}

func decodeProgress(data []byte) (Message, error) {
	var body struct {
		Visited *int `json:"visited"`
		Total   *int `json:"total"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: PROGRESS: %v", ErrSchema, err)
	}
	if body.Visited == nil || body.Total == nil {
		return nil, fmt.Errorf("%w: PROGRESS requires visited and total", ErrSchema)
	}
	if *body.Visited < 0 || *body.Total < 0 {
		return nil, fmt.Errorf("%w: PROGRESS counts must be non-negative", ErrSchema)
	}
	return Progress{Visited: *body.Visited, Total: *body.Total}, nil
}

func decodeComplete(data []byte) (Message, error) {
	var body struct {
		JobID     *string  `json:"job_id"`
		DurationS *float64 `json:"duration_s"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: COMPLETE: %v", ErrSchema, err)
	}
	if body.JobID == nil || body.DurationS == nil {
		return nil, fmt.Errorf("%w: COMPLETE requires job_id and duration_s", ErrSchema)
	}
	return Complete{JobID: *body.JobID, DurationS: *body.DurationS}, nil
}

func decodeReport(data []byte) (Message, error) {
	var body struct {
		Running *bool  `json:"running"`
		JobID   string `json:"job_id"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: STATUS: %v", ErrSchema, err)
	}
	if body.Running == nil {
		return nil, fmt.Errorf("%w: STATUS requires running", ErrSchema)
	}
	return Report{Running: *body.Running, JobID: body.JobID}, nil
}

func decodeFault(data []byte) (Message, error) {
	var body struct {
		Code    *string `json:"code"`
		Message string  `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: ERROR: %v", ErrSchema, err)
	}
	if body.Code == nil {
		return nil, fmt.Errorf("%w: ERROR requires code", ErrSchema)
	}
	return Fault{Code: *body.Code, Message: body.Message}, nil
}

func triple(coords []float64) (geom.Point3, error) {
	if len(coords) != 3 {
		return geom.Point3{}, fmt.Errorf("want 3 coordinates, got %d", len(coords))
	}
	return geom.Pt(coords[0], coords[1], coords[2]), nil
}
