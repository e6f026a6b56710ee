package memory

import (
	"context"
	"sync"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/backend/storage"
)

var (
	ErrTableIsFull   = storage.ErrTableIsFull
	ErrTableNotFound = storage.ErrTableNotFound
)

type MemStore struct {
	mx *sync.Mutex
	db map[string]*model.Table
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]*model.Table),
	}
}

func (ms *MemStore) TakeSeat(_ context.Context, tableID string, peerID string) (*model.Table, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	table, ok := ms.db[tableID]
	if !ok {
		table = &model.Table{
			ID: tableID,
			Seats: map[string]model.Seat{
				peerID: {PeerID: peerID},
			},
		}
		ms.db[tableID] = table
		return copyTable(table), nil
	}

	if len(table.Seats) >= model.MaxSeats {
		if _, ok = table.Seats[peerID]; !ok {
			return nil, ErrTableIsFull
		}
	}

	table.Seats[peerID] = model.Seat{
		PeerID: peerID,
	}
	return copyTable(table), nil
}

func (ms *MemStore) ReleaseSeat(_ context.Context, tableID string, peerID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	table, ok := ms.db[tableID]
	if !ok {
		return ErrTableNotFound
	}
	delete(table.Seats, peerID)
	if len(table.Seats) == 0 {
		delete(ms.db, tableID)
	}
	return nil
}

func (ms *MemStore) GetTable(_ context.Context, tableID string) (*model.Table, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	table, ok := ms.db[tableID]
	if !ok {
		return nil, ErrTableNotFound
	}
	return copyTable(table), nil
}

func copyTable(t *model.Table) *model.Table {
	cp := &model.Table{
		ID:    t.ID,
		Seats: make(map[string]model.Seat, len(t.Seats)),
	}
	for k, v := range t.Seats {
		cp.Seats[k] = v
	}
	return cp
}
