package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
)

const (
	DiceCount = 5
	DieFaces  = 6
)

// Message is a payload bound to a single topic.
type Message interface {
	Topic() Topic
	Validate() error
}

func invalid(t Topic, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, t, fmt.Sprintf(format, args...))
}

// ── Game payloads ────────────────────────────────────────────────────────────

type RegisterPlayer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (RegisterPlayer) Topic() Topic { return TopicRegisterPlayer }

func (m RegisterPlayer) Validate() error {
	if m.ID == "" {
		return invalid(TopicRegisterPlayer, "empty id")
	}
	return nil
}

type RemovePlayer struct {
	ID string `json:"id"`
}

func (RemovePlayer) Topic() Topic { return TopicRemovePlayer }

func (m RemovePlayer) Validate() error {
	if m.ID == "" {
		return invalid(TopicRemovePlayer, "empty id")
	}
	return nil
}

// Player is one entry of the roster carried by UpdatePlayers.
type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type UpdatePlayers struct {
	Players []Player `json:"players"`
}

func (UpdatePlayers) Topic() Topic { return TopicUpdatePlayers }

func (m UpdatePlayers) Validate() error {
	if len(m.Players) > MaxSeats {
		return invalid(TopicUpdatePlayers, "%d players, at most %d allowed", len(m.Players), MaxSeats)
	}
	for _, p := range m.Players {
		if p.ID == "" {
			return invalid(TopicUpdatePlayers, "player with empty id")
		}
	}
	return nil
}

type ResetGame struct{}

func (ResetGame) Topic() Topic    { return TopicResetGame }
func (ResetGame) Validate() error { return nil }

type ResetTurn struct {
	CurrentPlayerIndex int `json:"currentPlayerIndex"`
}

func (ResetTurn) Topic() Topic { return TopicResetTurn }

func (m ResetTurn) Validate() error {
	if m.CurrentPlayerIndex < 0 || m.CurrentPlayerIndex >= MaxSeats {
		return invalid(TopicResetTurn, "player index %d out of range", m.CurrentPlayerIndex)
	}
	return nil
}

type ShowPopup struct {
	Message string `json:"message"`
}

func (ShowPopup) Topic() Topic    { return TopicShowPopup }
func (ShowPopup) Validate() error { return nil }

// UpdateRoll carries the dice values as a stringified JSON array, e.g. "[1,2,3,4,5]".
type UpdateRoll struct {
	Dice string `json:"dice"`
}

func NewUpdateRoll(values [DiceCount]int) UpdateRoll {
	b, _ := json.Marshal(values)
	return UpdateRoll{Dice: string(b)}
}

func (UpdateRoll) Topic() Topic { return TopicUpdateRoll }

// Values parses the dice string.
func (m UpdateRoll) Values() ([DiceCount]int, error) {
	var (
		values [DiceCount]int
		raw    []int
	)
	if err := json.Unmarshal([]byte(m.Dice), &raw); err != nil {
		return values, invalid(TopicUpdateRoll, "dice is not an int array: %v", err)
	}
	if len(raw) != DiceCount {
		return values, invalid(TopicUpdateRoll, "got %d dice, want %d", len(raw), DiceCount)
	}
	for i, v := range raw {
		if v < 1 || v > DieFaces {
			return values, invalid(TopicUpdateRoll, "die %d has value %d", i, v)
		}
		values[i] = v
	}
	return values, nil
}

func (m UpdateRoll) Validate() error {
	_, err := m.Values()
	return err
}

type UpdateDie struct {
	DieNumber int `json:"dieNumber"`
}

func (UpdateDie) Topic() Topic { return TopicUpdateDie }

func (m UpdateDie) Validate() error {
	if m.DieNumber < 0 || m.DieNumber >= DiceCount {
		return invalid(TopicUpdateDie, "die number %d out of range", m.DieNumber)
	}
	return nil
}

type UpdateScore struct {
	ScoreNumber int `json:"scoreNumber"`
}

func (UpdateScore) Topic() Topic { return TopicUpdateScore }

func (m UpdateScore) Validate() error {
	if m.ScoreNumber < 0 {
		return invalid(TopicUpdateScore, "negative score number %d", m.ScoreNumber)
	}
	return nil
}

type GameFull struct{}

func (GameFull) Topic() Topic    { return TopicGameFull }
func (GameFull) Validate() error { return nil }

// ── Control payloads ─────────────────────────────────────────────────────────

// SetID is written by the relay as the first frame of every connection.
type SetID struct {
	ID string `json:"id"`
}

func (SetID) Topic() Topic { return TopicSetID }

func (m SetID) Validate() error {
	if m.ID == "" {
		return invalid(TopicSetID, "empty id")
	}
	return nil
}

type Invitation struct{}

func (Invitation) Topic() Topic    { return TopicInvitation }
func (Invitation) Validate() error { return nil }

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

type Offer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func NewOffer(sdp string) Offer { return Offer{Type: SDPTypeOffer, SDP: sdp} }

func (Offer) Topic() Topic { return TopicOffer }

func (m Offer) Validate() error {
	if m.Type != SDPTypeOffer {
		return invalid(TopicOffer, "type %q", m.Type)
	}
	if m.SDP == "" {
		return invalid(TopicOffer, "empty sdp")
	}
	return nil
}

type Answer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func NewAnswer(sdp string) Answer { return Answer{Type: SDPTypeAnswer, SDP: sdp} }

func (Answer) Topic() Topic { return TopicAnswer }

func (m Answer) Validate() error {
	if m.Type != SDPTypeAnswer {
		return invalid(TopicAnswer, "type %q", m.Type)
	}
	if m.SDP == "" {
		return invalid(TopicAnswer, "empty sdp")
	}
	return nil
}

// Candidate is an RTCIceCandidateInit. A nil or empty Candidate marks the end of candidates.
type Candidate struct {
	Candidate        *string `json:"candidate"`
	SDPMid           string  `json:"sdpMid"`
	SDPMLineIndex    uint16  `json:"sdpMLineIndex"`
	UsernameFragment string  `json:"usernameFragment,omitempty"`
}

// EndOfCandidates returns the marker sent once local gathering completes.
func EndOfCandidates() Candidate {
	return Candidate{}
}

func (Candidate) Topic() Topic    { return TopicCandidate }
func (Candidate) Validate() error { return nil }

func (m Candidate) IsEnd() bool {
	return m.Candidate == nil || *m.Candidate == ""
}

// Close is a best-effort departure notice sent to the relay.
type Close struct {
	ID string `json:"id"`
}

func (Close) Topic() Topic    { return TopicClose }
func (Close) Validate() error { return nil }

// ── Local payloads ───────────────────────────────────────────────────────────

type PeerConnected struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (PeerConnected) Topic() Topic    { return TopicPeerConnected }
func (PeerConnected) Validate() error { return nil }

type PeerDisconnected struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (PeerDisconnected) Topic() Topic    { return TopicPeerDisconnected }
func (PeerDisconnected) Validate() error { return nil }

type UpdateUI struct {
	Content string `json:"content"`
}

func (UpdateUI) Topic() Topic    { return TopicUpdateUI }
func (UpdateUI) Validate() error { return nil }
