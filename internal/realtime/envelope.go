package realtime

import (
	"encoding/json"
	"time"
)

// EnvelopeVersion - версия формата исходящих событий.
const EnvelopeVersion = 1

// Envelope - обертка каждого исходящего события.
type Envelope struct {
	Event   string      `json:"event"`
	Version int         `json:"version"`
	Data    interface{} `json:"data"`
	Meta    Meta        `json:"meta"`
}

type Meta struct {
	EmittedAt time.Time `json:"emittedAt"`
}

func NewEnvelope(event string, data interface{}, now time.Time) Envelope {
	return Envelope{
		Event:   event,
		Version: EnvelopeVersion,
		Data:    data,
		Meta:    Meta{EmittedAt: now.UTC()},
	}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Frame - входящее сообщение клиента: {"event": "...", "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, err
	}
	if f.Event == "" {
		return Frame{}, ErrEmptyEvent
	}
	return f, nil
}
