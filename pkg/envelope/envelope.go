// Package envelope defines the JSON shapes exchanged with guests and HTTP
// clients.
//
// Host functions that wrap a collaborator capability (storage, files,
// outbound HTTP, crypto, system info) return an Envelope. HTTP-level
// failures are rendered as an HTTPError.
package envelope

import (
	"encoding/json"
	"errors"

	"github.com/woxQAQ/frame-runtime/internal/fault"
)

// Envelope is the uniform result of a collaborator call.
type Envelope struct {
	OK   bool     `json:"ok"`
	Data any      `json:"data,omitempty"`
	Err  *Failure `json:"err,omitempty"`
}

// Failure describes a failed collaborator call.
type Failure struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// OK wraps a successful payload.
func OK(data any) Envelope {
	return Envelope{OK: true, Data: data}
}

// Fail converts err into a failed envelope, classifying it with fault.
func Fail(err error) Envelope {
	f := &Failure{
		Code:    fault.Code(fault.KindOf(err)),
		Message: err.Error(),
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		f.Details = fe.Details
	}
	return Envelope{Err: f}
}

// Marshal encodes the envelope. Encoding failures of the payload are
// reported as a failed envelope instead.
func (e Envelope) Marshal() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		data, _ = json.Marshal(Envelope{Err: &Failure{
			Code:    fault.Code(fault.Validation),
			Message: "payload is not serializable: " + err.Error(),
		}})
	}
	return data
}

// String returns the encoded envelope.
func (e Envelope) String() string {
	return string(e.Marshal())
}

// HTTPError is the body written for routing and dispatch failures.
type HTTPError struct {
	Status  int    `json:"code"`
	Message string `json:"message"`
}

// JSON renders {"ok":false,"error":{"code":status,"message":...}}.
func (e HTTPError) JSON() []byte {
	data, _ := json.Marshal(struct {
		OK    bool      `json:"ok"`
		Error HTTPError `json:"error"`
	}{Error: e})
	return data
}
