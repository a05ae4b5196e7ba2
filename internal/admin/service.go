// Package admin exposes the operator gRPC service: prepare reserved games,
// pause, resume and terminate rooms, and list live rooms. Messages are
// google.protobuf.Struct values so the service needs no generated code.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/arena/internal/game/lobby"
	"github.com/cory-johannsen/arena/internal/game/reservation"
	"github.com/cory-johannsen/arena/internal/game/room"
	"github.com/cory-johannsen/arena/internal/game/rules"
	"github.com/cory-johannsen/arena/internal/protocol"
)

// Lobby is the subset of *lobby.Lobby the admin service drives.
type Lobby interface {
	PrepareGame(ctx context.Context, pluginID string, names [rules.Seats]string, paused bool) (lobby.Prepared, error)
	Pause(roomID string) error
	Resume(roomID string) error
	Terminate(roomID, reason string) (rules.Result, error)
	Rooms() []room.Info
}

// Service implements AdminServer on top of a Lobby.
type Service struct {
	lobby  Lobby
	logger *zap.Logger
}

// NewService creates the admin service.
//
// Precondition: lb and logger must be non-nil.
func NewService(lb Lobby, logger *zap.Logger) *Service {
	return &Service{lobby: lb, logger: logger}
}

// PrepareGame declares a reserved room.
//
// Request: {plugin: string, names?: [string, string], paused?: bool}
// Response: {room_id: string, tokens: [string, string]}
func (s *Service) PrepareGame(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	plugin := fields["plugin"].GetStringValue()
	if plugin == "" {
		return nil, status.Error(codes.InvalidArgument, "plugin is required")
	}
	var names [rules.Seats]string
	if list := fields["names"].GetListValue(); list != nil {
		if len(list.GetValues()) > rules.Seats {
			return nil, status.Errorf(codes.InvalidArgument, "at most %d names", rules.Seats)
		}
		for i, v := range list.GetValues() {
			names[i] = v.GetStringValue()
		}
	}
	paused := fields["paused"].GetBoolValue()

	prep, err := s.lobby.PrepareGame(ctx, plugin, names, paused)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("game prepared",
		zap.String("room", prep.RoomID),
		zap.String("plugin", plugin),
		zap.Bool("paused", paused),
	)
	return structpb.NewStruct(map[string]any{
		"room_id": prep.RoomID,
		"tokens":  []any{prep.Tokens[0], prep.Tokens[1]},
	})
}

// PauseRoom freezes a room. Request: {room_id: string}
func (s *Service) PauseRoom(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := roomID(req)
	if err != nil {
		return nil, err
	}
	if err := s.lobby.Pause(id); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("room paused", zap.String("room", id))
	return &structpb.Struct{}, nil
}

// ResumeRoom unfreezes a room. Request: {room_id: string}
func (s *Service) ResumeRoom(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := roomID(req)
	if err != nil {
		return nil, err
	}
	if err := s.lobby.Resume(id); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("room resumed", zap.String("room", id))
	return &structpb.Struct{}, nil
}

// TerminateRoom force-ends a room.
//
// Request: {room_id: string, reason?: string}
// Response: {result: <result object>}
func (s *Service) TerminateRoom(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := roomID(req)
	if err != nil {
		return nil, err
	}
	reason := req.GetFields()["reason"].GetStringValue()
	if reason == "" {
		reason = "terminated by operator"
	}
	res, err := s.lobby.Terminate(id, reason)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("room terminated", zap.String("room", id), zap.Stringer("result", res))
	return structpb.NewStruct(map[string]any{"result": protocol.ResultToMap(res)})
}

// ListRooms describes every live room, oldest first.
//
// Response: {rooms: [{id, plugin, state, reserved, turn, observers, created, seats: [{name, bound, left, violated}]}]}
func (s *Service) ListRooms(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	infos := s.lobby.Rooms()
	rooms := make([]any, 0, len(infos))
	for _, info := range infos {
		seats := make([]any, 0, rules.Seats)
		for _, st := range info.Seats {
			seats = append(seats, map[string]any{
				"name":     st.Name,
				"bound":    st.Bound,
				"left":     st.Left,
				"violated": st.Violated,
			})
		}
		rooms = append(rooms, map[string]any{
			"id":        info.ID,
			"plugin":    info.PluginID,
			"state":     info.State.String(),
			"reserved":  info.Reserved,
			"turn":      float64(info.Turn),
			"observers": float64(info.Observers),
			"created":   info.Created.UTC().Format(time.RFC3339Nano),
			"seats":     seats,
		})
	}
	return structpb.NewStruct(map[string]any{"rooms": rooms})
}

func roomID(req *structpb.Struct) (string, error) {
	id := req.GetFields()["room_id"].GetStringValue()
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "room_id is required")
	}
	return id, nil
}

// toStatus maps lobby and room errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, lobby.ErrRoomNotFound), errors.Is(err, lobby.ErrUnknownPlugin):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, room.ErrRoomClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, reservation.ErrUnknownReservation):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, fmt.Sprintf("internal error: %v", err))
	}
}
