package service

import (
	"context"
	"errors"

	"github.com/adwski/webrtc-dice/backend/model"
	"github.com/adwski/webrtc-dice/backend/storage"
	"github.com/rs/zerolog"
)

var (
	ErrJoin       = errors.New("unable to join table")
	ErrFull       = errors.New("table is full")
	ErrGet        = errors.New("unable to get table")
	ErrNotSeated  = errors.New("peer is not seated at this table")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	SeatStore interface {
		TakeSeat(ctx context.Context, tableID string, peerID string) (*model.Table, error)
		ReleaseSeat(ctx context.Context, tableID string, peerID string) error
		GetTable(ctx context.Context, tableID string) (*model.Table, error)
	}

	Switch interface {
		Connect(ctx context.Context, tableID string, peerID string, wire model.Wire) error
		Disconnect(tableID string, peerID string) error
		Broadcast(ctx context.Context, env model.Envelope, tableID string) error
	}

	Service struct {
		store  SeatStore
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		SeatStore SeatStore
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.SeatStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// JoinTable takes a seat for the peer. A full table yields ErrFull.
func (svc *Service) JoinTable(ctx context.Context, tableID, peerID string) (*model.Table, error) {
	table, err := svc.store.TakeSeat(ctx, tableID, peerID)
	if err != nil {
		if errors.Is(err, storage.ErrTableIsFull) {
			return nil, errors.Join(ErrFull, err)
		}
		return nil, errors.Join(ErrJoin, err)
	}
	svc.logger.Debug().
		Str("peerID", peerID).
		Str("tableID", tableID).
		Int("seats", len(table.Seats)).
		Msg("peer took a seat")
	return table, nil
}

// LeaveTable releases the seat of a peer that never got a relay session.
func (svc *Service) LeaveTable(ctx context.Context, tableID, peerID string) {
	if err := svc.store.ReleaseSeat(ctx, tableID, peerID); err != nil {
		svc.logger.Error().Err(err).
			Str("peerID", peerID).
			Str("tableID", tableID).
			Msg("failed to release seat")
	}
}

func (svc *Service) GetTable(ctx context.Context, tableID string) (*model.Table, error) {
	table, err := svc.store.GetTable(ctx, tableID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return table, nil
}

func (svc *Service) CreateRelaySession(ctx context.Context, tableID, peerID string, wire model.Wire) error {
	table, err := svc.store.GetTable(ctx, tableID)
	if err != nil {
		return errors.Join(ErrGet, err)
	}
	if _, ok := table.Seats[peerID]; !ok {
		return ErrNotSeated
	}
	err = svc.sw.Connect(ctx, tableID, peerID, wire)
	if err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("peerID", peerID).
		Str("tableID", tableID).
		Msg("relay session connected")
	return nil
}

// DeleteRelaySession frees the seat and tells the rest of the table the peer has gone.
func (svc *Service) DeleteRelaySession(ctx context.Context, tableID, peerID string) error {
	err := svc.sw.Disconnect(tableID, peerID)
	if err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	if err = svc.store.ReleaseSeat(ctx, tableID, peerID); err != nil {
		svc.logger.Error().Err(err).
			Str("peerID", peerID).
			Str("tableID", tableID).
			Msg("failed to release seat")
	}
	svc.logger.Debug().
		Str("peerID", peerID).
		Str("tableID", tableID).
		Msg("relay session deleted")

	go func() {
		env := model.Envelope{
			Sender: peerID,
			Data:   model.RemovePlayer{ID: peerID},
		}
		_ = svc.sw.Broadcast(context.WithoutCancel(ctx), env, tableID)
	}()
	return nil
}
