package signal

import (
	"encoding/json"
)

// Message is the wire frame shared by requests, responses and notifications.
// Exactly one of Request/Response/Notification is set.
type Message struct {
	Request      bool `json:"request,omitempty"`
	Response     bool `json:"response,omitempty"`
	Notification bool `json:"notification,omitempty"`

	ID     uint32          `json:"id,omitempty"`
	Method Method          `json:"method,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`

	OK          bool   `json:"ok,omitempty"`
	ErrorCode   int    `json:"errorCode,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

func NewRequest(id uint32, method Method, data interface{}) (*Message, error) {
	payload, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Request: true,
		ID:      id,
		Method:  method,
		Data:    payload,
	}, nil
}

func NewNotification(method Method, data interface{}) (*Message, error) {
	payload, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Notification: true,
		Method:       method,
		Data:         payload,
	}, nil
}

func NewResponse(req *Message, data interface{}) (*Message, error) {
	payload, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Response: true,
		ID:       req.ID,
		OK:       true,
		Data:     payload,
	}, nil
}

func NewErrorResponse(req *Message, err error) *Message {
	serr := AsError(err)
	return &Message{
		Response:    true,
		ID:          req.ID,
		ErrorCode:   serr.Code,
		ErrorReason: serr.Reason,
	}
}

func marshalData(data interface{}) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}
