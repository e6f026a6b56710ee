package model

import (
	"encoding/json"
	"errors"
	"math"

	"github.com/tidwall/gjson"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrEmptyEnvelope  = errors.New("envelope has no payload")
)

// Envelope is the unit carried by both the relay and the direct channel:
//
//	{"sender": "<peer-id>", "topic": "<name>", "data": {...}}
type Envelope struct {
	Sender string
	Data   Message
}

type wireEnvelope struct {
	Sender string  `json:"sender"`
	Topic  Topic   `json:"topic"`
	Data   Message `json:"data"`
}

func (e Envelope) Topic() Topic {
	if e.Data == nil {
		return ""
	}
	return e.Data.Topic()
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, ErrEmptyEnvelope
	}
	return json.Marshal(wireEnvelope{
		Sender: e.Sender,
		Topic:  e.Data.Topic(),
		Data:   e.Data,
	})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	env, err := DecodeEnvelope(b)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// EncodeEnvelope validates the payload and serializes the envelope.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Data == nil {
		return nil, ErrEmptyEnvelope
	}
	if err := env.Data.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses a frame strictly: the topic must be known (by name or
// legacy code) and the data must decode into, and validate as, the payload type
// bound to that topic. All failures wrap ErrMalformedFrame.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if !gjson.ValidBytes(b) {
		return Envelope{}, errors.Join(ErrMalformedFrame, errors.New("invalid json"))
	}
	frame := gjson.ParseBytes(b)
	if !frame.IsObject() {
		return Envelope{}, errors.Join(ErrMalformedFrame, errors.New("frame is not an object"))
	}

	topic, err := frameTopic(frame.Get("topic"))
	if err != nil {
		return Envelope{}, errors.Join(ErrMalformedFrame, err)
	}

	var sender string
	switch s := frame.Get("sender"); s.Type {
	case gjson.String:
		sender = s.Str
	case gjson.Null:
	default:
		return Envelope{}, errors.Join(ErrMalformedFrame, errors.New("sender is not a string"))
	}

	msg, err := topics[topic].decode([]byte(frame.Get("data").Raw))
	if err != nil {
		return Envelope{}, errors.Join(ErrMalformedFrame, ErrInvalidPayload, err)
	}
	if err = msg.Validate(); err != nil {
		return Envelope{}, errors.Join(ErrMalformedFrame, err)
	}
	return Envelope{Sender: sender, Data: msg}, nil
}

func frameTopic(t gjson.Result) (Topic, error) {
	switch t.Type {
	case gjson.String:
		return ParseTopic(t.Str)
	case gjson.Number:
		if t.Num != math.Trunc(t.Num) {
			return "", errors.Join(ErrUnknownTopic, errors.New("fractional topic code"))
		}
		return TopicFromCode(int64(t.Num))
	case gjson.Null:
		return "", errors.Join(ErrUnknownTopic, errors.New("missing topic"))
	}
	return "", errors.Join(ErrUnknownTopic, errors.New("topic is neither a string nor a number"))
}
