package dispatcher

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/codec"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// MaxFrameSize bounds a single rendezvous frame body.
const MaxFrameSize = 64 << 10

// Response is sent back to the station. Rejections carry a reason and no
// endpoint.
type Response struct {
	StationName             string `cbor:"station_name" json:"station_name"`
	Accepted                bool   `cbor:"accepted" json:"accepted"`
	Address                 string `cbor:"address,omitempty" json:"address,omitempty"`
	Port                    int    `cbor:"port,omitempty" json:"port,omitempty"`
	FrameProcessingDisabled bool   `cbor:"frame_processing_disabled,omitempty" json:"frame_processing_disabled,omitempty"`
	Reason                  string `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// NewResponse builds the reply for a dispatch result.
func NewResponse(req Request, decision Decision, err error) Response {
	resp := Response{StationName: req.StationName}
	switch {
	case err == nil:
		resp.Accepted = true
		resp.Address = decision.Address.String()
		resp.Port = decision.Port
		resp.FrameProcessingDisabled = decision.FrameProcessingDisabled
	case errors.Is(err, errors.ErrUnknownStation):
		resp.Reason = OutcomeUnknownStation
	case errors.Is(err, errors.ErrAcquisitionDisabled):
		resp.Reason = OutcomeAcquisitionDisabled
	default:
		resp.Reason = OutcomeError
	}
	return resp
}

// FrameCodec reads requests from and writes responses to a station
// connection. Protocol framing is pluggable; CBORCodec is the default.
type FrameCodec interface {
	ReadRequest(r io.Reader) (Request, error)
	WriteResponse(w io.Writer, resp Response) error
}

// CBORCodec frames each message as a 4-byte big-endian length followed by
// a CBOR body.
type CBORCodec struct{}

// ReadRequest reads one request frame.
func (CBORCodec) ReadRequest(r io.Reader) (Request, error) {
	var req Request
	if err := readFrame(r, &req); err != nil {
		return Request{}, err
	}
	if req.StationName == "" {
		return Request{}, errors.WrapInvalid(fmt.Errorf("%w: empty station name", errors.ErrInvalidData),
			"CBORCodec", "ReadRequest", "validate request")
	}
	return req, nil
}

// WriteResponse writes one response frame.
func (CBORCodec) WriteResponse(w io.Writer, resp Response) error {
	return writeFrame(w, resp)
}

// WriteRequest writes one request frame. Stations and simulators use it.
func (CBORCodec) WriteRequest(w io.Writer, req Request) error {
	return writeFrame(w, req)
}

// ReadResponse reads one response frame.
func (CBORCodec) ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	err := readFrame(r, &resp)
	return resp, err
}

func writeFrame(w io.Writer, v any) error {
	body, err := codec.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "CBORCodec", "writeFrame", "encode frame")
	}
	if len(body) > MaxFrameSize {
		return errors.WrapInvalid(fmt.Errorf("%w: frame of %d bytes exceeds %d", errors.ErrInvalidData, len(body), MaxFrameSize),
			"CBORCodec", "writeFrame", "check frame size")
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	if _, err := w.Write(frame); err != nil {
		return errors.WrapTransient(err, "CBORCodec", "writeFrame", "write frame")
	}
	return nil
}

func readFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return errors.WrapTransient(err, "CBORCodec", "readFrame", "read frame header")
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return errors.WrapInvalid(fmt.Errorf("%w: frame of %d bytes exceeds %d", errors.ErrInvalidData, size, MaxFrameSize),
			"CBORCodec", "readFrame", "check frame size")
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return errors.WrapTransient(err, "CBORCodec", "readFrame", "read frame body")
	}
	if err := codec.Unmarshal(body, v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "CBORCodec", "readFrame", "decode frame")
	}
	return nil
}
