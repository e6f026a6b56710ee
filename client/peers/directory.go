// Package peers keeps the roster of the table: the local peer and at most one remote.
package peers

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/client/bus"
	"github.com/rs/zerolog"
)

const (
	RoleLocal  = "local"
	RoleRemote = "remote"
)

var (
	ErrNoLocalPeer = errors.New("local peer is not registered")
)

type (
	// RelaySender delivers a message to the table over the relay.
	RelaySender interface {
		SendRelay(msg model.Message) error
	}

	Peer struct {
		ID   string
		Name string
	}

	Config struct {
		Logger *zerolog.Logger
		Bus    *bus.Bus
		Relay  RelaySender
	}

	Directory struct {
		logger zerolog.Logger
		bus    *bus.Bus
		relay  RelaySender
		subs   []bus.Subscription

		mx     *sync.Mutex
		local  *Peer
		remote *Peer
	}
)

// New creates a directory listening for roster changes on the bus.
func New(cfg Config) *Directory {
	d := &Directory{
		logger: cfg.Logger.With().Str("component", "peer-directory").Logger(),
		bus:    cfg.Bus,
		relay:  cfg.Relay,
		mx:     &sync.Mutex{},
	}
	d.subs = []bus.Subscription{
		d.bus.Subscribe(model.TopicRegisterPlayer, d.onRegisterPlayer),
		d.bus.Subscribe(model.TopicRemovePlayer, d.onRemovePlayer),
		d.bus.Subscribe(model.TopicPeerConnected, d.onPeerConnected),
		d.bus.Subscribe(model.TopicPeerDisconnected, d.onPeerDisconnected),
	}
	return d
}

// Detach removes the directory's bus handlers.
func (d *Directory) Detach() {
	for _, s := range d.subs {
		d.bus.Unsubscribe(s)
	}
	d.subs = nil
}

func (d *Directory) RegisterLocal(id, name string) {
	d.mx.Lock()
	d.local = &Peer{ID: id, Name: name}
	d.mx.Unlock()

	d.logger.Info().Str("id", id).Str("name", name).Msg("local peer registered")
	d.publishRoster()
}

// Announce tells the table who the local peer is.
func (d *Directory) Announce() error {
	local, ok := d.Local()
	if !ok {
		return ErrNoLocalPeer
	}
	return d.relay.SendRelay(model.RegisterPlayer{ID: local.ID, Name: local.Name})
}

// RegisterRemote records the remote peer. Only a newly seen remote is announced
// back to and published as a roster change, so two directories never echo each other.
// It reports whether the remote was new.
func (d *Directory) RegisterRemote(id, name string) bool {
	d.mx.Lock()
	if d.local != nil && d.local.ID == id {
		d.mx.Unlock()
		return false
	}
	if d.remote != nil && d.remote.ID == id {
		renamed := d.remote.Name != name
		d.remote.Name = name
		d.mx.Unlock()
		if renamed {
			d.publishRoster()
		}
		return false
	}
	if d.remote != nil {
		d.logger.Warn().
			Str("previous", d.remote.ID).
			Str("id", id).
			Msg("remote peer replaced without leaving")
	}
	d.remote = &Peer{ID: id, Name: name}
	hasLocal := d.local != nil
	d.mx.Unlock()

	d.logger.Info().Str("id", id).Str("name", name).Msg("remote peer registered")
	if hasLocal {
		if err := d.Announce(); err != nil {
			d.logger.Error().Err(err).Msg("failed to announce local peer")
		}
	}
	d.publishRoster()
	return true
}

// RemoveRemote forgets the remote peer if it has the given id.
func (d *Directory) RemoveRemote(id string) bool {
	d.mx.Lock()
	if d.remote == nil || d.remote.ID != id {
		d.mx.Unlock()
		return false
	}
	d.remote = nil
	d.mx.Unlock()

	d.logger.Info().Str("id", id).Msg("remote peer removed")
	d.publishRoster()
	return true
}

// Clear forgets both peers.
func (d *Directory) Clear() {
	d.mx.Lock()
	d.local, d.remote = nil, nil
	d.mx.Unlock()

	d.publishRoster()
}

func (d *Directory) Local() (Peer, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.local == nil {
		return Peer{}, false
	}
	return *d.local, true
}

func (d *Directory) Remote() (Peer, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.remote == nil {
		return Peer{}, false
	}
	return *d.remote, true
}

// Name returns the known name of a peer, or its id if the name is unknown.
func (d *Directory) Name(id string) string {
	d.mx.Lock()
	defer d.mx.Unlock()
	for _, p := range []*Peer{d.local, d.remote} {
		if p != nil && p.ID == id && p.Name != "" {
			return p.Name
		}
	}
	return id
}

// Roster lists registered peers ordered by id, so both sides agree on player indexes.
func (d *Directory) Roster() []model.Player {
	d.mx.Lock()
	defer d.mx.Unlock()

	players := make([]model.Player, 0, model.MaxSeats)
	if d.local != nil {
		players = append(players, model.Player{ID: d.local.ID, Name: d.local.Name, Role: RoleLocal})
	}
	if d.remote != nil {
		players = append(players, model.Player{ID: d.remote.ID, Name: d.remote.Name, Role: RoleRemote})
	}
	sort.Slice(players, func(i, j int) bool {
		return players[i].ID < players[j].ID
	})
	return players
}

func (d *Directory) publishRoster() {
	d.bus.Publish(model.TopicUpdatePlayers, model.UpdatePlayers{Players: d.Roster()})
}

func (d *Directory) onRegisterPlayer(env model.Envelope) {
	msg := env.Data.(model.RegisterPlayer)
	d.RegisterRemote(msg.ID, msg.Name)
}

func (d *Directory) onRemovePlayer(env model.Envelope) {
	d.RemoveRemote(env.Data.(model.RemovePlayer).ID)
}

// onPeerConnected re-announces the local peer when the channel comes up with a
// remote the directory has forgotten, e.g. after a reconnect.
func (d *Directory) onPeerConnected(env model.Envelope) {
	id := env.Data.(model.PeerConnected).ID
	if remote, ok := d.Remote(); ok && remote.ID == id {
		return
	}
	if err := d.Announce(); err != nil {
		d.logger.Error().Err(err).Msg("failed to announce local peer")
	}
}

func (d *Directory) onPeerDisconnected(env model.Envelope) {
	d.RemoveRemote(env.Data.(model.PeerDisconnected).ID)
}
