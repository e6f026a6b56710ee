package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownTopic = errors.New("unknown topic")
)

// Topic names a category of event. The set of topics is closed: every topic
// is bound to exactly one payload type (see messages.go).
type Topic string

// Kind partitions topics by how they may travel.
type Kind int

const (
	// KindGame topics carry application semantics and use whichever transport is available.
	KindGame Kind = iota + 1
	// KindControl topics advance negotiation and always travel over the relay.
	KindControl
	// KindLocal topics are only ever published on the local bus.
	KindLocal
)

func (k Kind) String() string {
	switch k {
	case KindGame:
		return "game"
	case KindControl:
		return "control"
	case KindLocal:
		return "local"
	}
	return "unknown"
}

// Game topics.
const (
	TopicRegisterPlayer Topic = "RegisterPlayer"
	TopicRemovePlayer   Topic = "RemovePlayer"
	TopicUpdatePlayers  Topic = "UpdatePlayers"
	TopicResetGame      Topic = "ResetGame"
	TopicResetTurn      Topic = "ResetTurn"
	TopicShowPopup      Topic = "ShowPopup"
	TopicUpdateRoll     Topic = "UpdateRoll"
	TopicUpdateDie      Topic = "UpdateDie"
	TopicUpdateScore    Topic = "UpdateScore"
	TopicGameFull       Topic = "GameFull"
)

// Control topics.
const (
	TopicSetID      Topic = "SetID"
	TopicInvitation Topic = "Invitation"
	TopicOffer      Topic = "Offer"
	TopicAnswer     Topic = "Answer"
	TopicCandidate  Topic = "Candidate"
	TopicClose      Topic = "Close"
)

// Local topics.
const (
	TopicPeerConnected    Topic = "PeerConnected"
	TopicPeerDisconnected Topic = "PeerDisconnected"
	TopicUpdateUI         Topic = "UpdateUI"
)

type topicSpec struct {
	kind   Kind
	decode func(raw []byte) (Message, error)
	empty  func() Message
}

var topics = map[Topic]topicSpec{
	TopicRegisterPlayer: bind[RegisterPlayer](KindGame),
	TopicRemovePlayer:   bind[RemovePlayer](KindGame),
	TopicUpdatePlayers:  bind[UpdatePlayers](KindGame),
	TopicResetGame:      bind[ResetGame](KindGame),
	TopicResetTurn:      bind[ResetTurn](KindGame),
	TopicShowPopup:      bind[ShowPopup](KindGame),
	TopicUpdateRoll:     bind[UpdateRoll](KindGame),
	TopicUpdateDie:      bind[UpdateDie](KindGame),
	TopicUpdateScore:    bind[UpdateScore](KindGame),
	TopicGameFull:       bind[GameFull](KindGame),

	TopicSetID:      bind[SetID](KindControl),
	TopicInvitation: bind[Invitation](KindControl),
	TopicOffer:      bind[Offer](KindControl),
	TopicAnswer:     bind[Answer](KindControl),
	TopicCandidate:  bind[Candidate](KindControl),
	TopicClose:      bind[Close](KindControl),

	TopicPeerConnected:    bind[PeerConnected](KindLocal),
	TopicPeerDisconnected: bind[PeerDisconnected](KindLocal),
	TopicUpdateUI:         bind[UpdateUI](KindLocal),
}

// Numeric codes used by older clients that sent the topic as an enum value.
var topicCodes = map[int64]Topic{
	0:  TopicRegisterPlayer,
	1:  TopicRemovePlayer,
	2:  TopicResetGame,
	3:  TopicResetTurn,
	4:  TopicShowPopup,
	5:  TopicUpdateRoll,
	6:  TopicUpdateScore,
	7:  TopicUpdateDie,
	8:  TopicUpdatePlayers,
	9:  TopicSetID,
	10: TopicGameFull,
	11: TopicClose,
	12: TopicOffer,
	13: TopicAnswer,
	14: TopicCandidate,
	15: TopicInvitation,
}

// Names used by older clients for the negotiation topics.
var topicAliases = map[string]Topic{
	"RtcOffer":     TopicOffer,
	"RtcAnswer":    TopicAnswer,
	"candidate":    TopicCandidate,
	"invitation":   TopicInvitation,
	"connectOffer": TopicInvitation,
	"bye":          TopicClose,
	"close":        TopicClose,
}

func bind[T Message](kind Kind) topicSpec {
	return topicSpec{
		kind: kind,
		decode: func(raw []byte) (Message, error) {
			var m T
			if len(raw) == 0 || string(raw) == "null" {
				return m, nil
			}
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&m); err != nil {
				return nil, err
			}
			if dec.More() {
				return nil, errors.New("trailing data after payload")
			}
			return m, nil
		},
		empty: func() Message {
			var m T
			return m
		},
	}
}

// ParseTopic resolves a topic by name, accepting legacy aliases.
func ParseTopic(name string) (Topic, error) {
	if t := Topic(name); t.Known() {
		return t, nil
	}
	if t, ok := topicAliases[name]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTopic, name)
}

// TopicFromCode resolves a legacy numeric topic code.
func TopicFromCode(code int64) (Topic, error) {
	if t, ok := topicCodes[code]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: code %d", ErrUnknownTopic, code)
}

// Known reports whether the topic belongs to the closed topic set.
func (t Topic) Known() bool {
	_, ok := topics[t]
	return ok
}

func (t Topic) Kind() Kind {
	return topics[t].kind
}

func (t Topic) IsControl() bool {
	return t.Kind() == KindControl
}

func (t Topic) IsLocal() bool {
	return t.Kind() == KindLocal
}

// Empty returns the zero payload bound to the topic, or nil for unknown topics.
func Empty(t Topic) Message {
	spec, ok := topics[t]
	if !ok {
		return nil
	}
	return spec.empty()
}
