package session

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/client/negotiation"
)

// memNet is an in-memory negotiation.Connector. Offers and answers carry a token
// naming the connection that produced them, applying the answer links the pair
// and opens the offerer's channel together with its remote end.
type memNet struct {
	mx     *sync.Mutex
	conns  map[string]*memConn
	next   int
	frames atomic.Int64
}

func newMemNet() *memNet {
	return &memNet{mx: &sync.Mutex{}, conns: make(map[string]*memConn)}
}

func (n *memNet) NewConnection(h negotiation.Handlers) (negotiation.Connection, error) {
	n.mx.Lock()
	defer n.mx.Unlock()
	n.next++
	c := &memConn{net: n, token: strconv.Itoa(n.next), h: h}
	n.conns[c.token] = c
	return c, nil
}

func (n *memNet) lookup(token string) *memConn {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.conns[token]
}

// openChannels returns channels that are currently open.
func (n *memNet) openChannels() []*memChannel {
	n.mx.Lock()
	defer n.mx.Unlock()
	var open []*memChannel
	for _, c := range n.conns {
		if ch := c.channel(); ch != nil && ch.IsOpen() {
			open = append(open, ch)
		}
	}
	return open
}

type memConn struct {
	net   *memNet
	token string
	h     negotiation.Handlers

	mx    sync.Mutex
	local *memChannel
}

func (c *memConn) channel() *memChannel {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.local
}

func (c *memConn) CreateDataChannel(label string) (negotiation.DataChannel, error) {
	ch := &memChannel{label: label, net: c.net}
	c.mx.Lock()
	c.local = ch
	c.mx.Unlock()
	return ch, nil
}

func (c *memConn) Offer() (string, error)  { return model.SDPTypeOffer + ":" + c.token, nil }
func (c *memConn) Answer() (string, error) { return model.SDPTypeAnswer + ":" + c.token, nil }

func (c *memConn) SetRemoteDescription(sdpType, sdp string) error {
	peer := c.net.lookup(strings.TrimPrefix(sdp, sdpType+":"))
	if peer == nil {
		return errors.New("unknown session description")
	}
	if sdpType != model.SDPTypeAnswer {
		return nil
	}

	local := c.channel()
	remote := &memChannel{label: local.label, net: c.net}
	local.pair(remote)
	peer.mx.Lock()
	peer.local = remote
	peer.mx.Unlock()

	go func() {
		peer.h.OnDataChannel(remote)
		local.open()
		remote.open()
	}()
	return nil
}

func (c *memConn) AddCandidate(model.Candidate) error { return nil }
func (c *memConn) Close() error                       { return nil }

type memChannel struct {
	label string
	net   *memNet

	mx        sync.Mutex
	peer      *memChannel
	isOpen    bool
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func (ch *memChannel) pair(other *memChannel) {
	ch.mx.Lock()
	ch.peer = other
	ch.mx.Unlock()
	other.mx.Lock()
	other.peer = ch
	other.mx.Unlock()
}

func (ch *memChannel) Label() string { return ch.label }

func (ch *memChannel) IsOpen() bool {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.isOpen
}

func (ch *memChannel) OnOpen(f func()) {
	ch.mx.Lock()
	ch.onOpen = f
	ch.mx.Unlock()
}

func (ch *memChannel) OnClose(f func()) {
	ch.mx.Lock()
	ch.onClose = f
	ch.mx.Unlock()
}

func (ch *memChannel) OnMessage(f func([]byte)) {
	ch.mx.Lock()
	ch.onMessage = f
	ch.mx.Unlock()
}

func (ch *memChannel) open() {
	ch.mx.Lock()
	ch.isOpen = true
	f := ch.onOpen
	ch.mx.Unlock()
	if f != nil {
		f()
	}
}

func (ch *memChannel) SendText(s string) error {
	ch.mx.Lock()
	peer, open := ch.peer, ch.isOpen
	ch.mx.Unlock()
	if !open || peer == nil {
		return errors.New("channel is not open")
	}
	ch.net.frames.Add(1)

	peer.mx.Lock()
	f := peer.onMessage
	peer.mx.Unlock()
	if f != nil {
		f([]byte(s))
	}
	return nil
}

// Close closes both ends, each end reports the close once.
func (ch *memChannel) Close() error {
	ch.mx.Lock()
	wasOpen := ch.isOpen
	ch.isOpen = false
	peer, f := ch.peer, ch.onClose
	ch.mx.Unlock()
	if !wasOpen {
		return nil
	}
	if f != nil {
		f()
	}
	if peer != nil {
		_ = peer.Close()
	}
	return nil
}
