package room

import (
	"context"
	"errors"

	"crdt-sync/pkg/bridge"
	"crdt-sync/pkg/crdt"
	"crdt-sync/pkg/persistence"
	"crdt-sync/pkg/protocol"
)

var errVersionRequired = errors.New("version is required")

// Messages only the server may emit. Clients sending them are ignored.
var serverOnly = map[string]bool{
	protocol.MsgDocumentSaved: true,
	protocol.MsgSessionReady:  true,
	protocol.MsgReadOnly:      true,
	protocol.MsgHistoryError:  true,
}

func historyError(request string, err error) []byte {
	return protocol.Stateless(protocol.MsgHistoryError, map[string]any{
		"request": request,
		"error":   err.Error(),
	})
}

func entryFields(e *persistence.HistoryEntry) map[string]any {
	fields := map[string]any{
		"version":   e.Version,
		"message":   e.Message,
		"size":      e.Size,
		"createdAt": e.CreatedAt,
	}
	if text, err := crdt.TextOf(e.Snapshot); err == nil {
		fields["text"] = text
	}
	return fields
}

func (rm *Room) onStateless(from Peer, env protocol.Envelope) {
	switch env.Msg {
	case protocol.MsgHistoryList:
		rm.lookupHistory(from, env.Msg, func(ctx context.Context) (map[string]any, error) {
			versions, err := rm.registry.gateway.ListVersions(ctx, rm.id)
			if err != nil {
				return nil, err
			}
			if versions == nil {
				versions = []persistence.HistoryEntry{}
			}
			return map[string]any{"versions": versions}, nil
		})

	case protocol.MsgHistoryWatch:
		version, ok := env.Int64("version")
		if !ok {
			from.Send(historyError(env.Msg, errVersionRequired))
			return
		}
		rm.lookupHistory(from, env.Msg, func(ctx context.Context) (map[string]any, error) {
			entry, err := rm.registry.gateway.GetVersion(ctx, rm.id, version)
			if err != nil {
				return nil, err
			}
			return entryFields(entry), nil
		})

	case protocol.MsgHistoryPrev, protocol.MsgHistoryNext:
		current, ok := env.Int64("version")
		if !ok {
			current = rm.version
		}
		prev := env.Msg == protocol.MsgHistoryPrev
		rm.lookupHistory(from, env.Msg, func(ctx context.Context) (map[string]any, error) {
			var entry *persistence.HistoryEntry
			var err error
			if prev {
				entry, err = rm.registry.gateway.PrevVersion(ctx, rm.id, current)
			} else {
				entry, err = rm.registry.gateway.NextVersion(ctx, rm.id, current)
			}
			if err != nil {
				return nil, err
			}
			return entryFields(entry), nil
		})

	case protocol.MsgHistoryRevert:
		if from.Identity().ReadOnly {
			from.Send(protocol.Stateless(protocol.MsgReadOnly, nil))
			return
		}
		version, ok := env.Int64("version")
		if !ok {
			from.Send(historyError(env.Msg, errVersionRequired))
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), rm.registry.opts.StoreTimeout)
			defer cancel()
			entry, err := rm.registry.gateway.GetVersion(ctx, rm.id, version)
			if err != nil {
				from.Send(historyError(protocol.MsgHistoryRevert, err))
				return
			}
			if err := rm.post(ctx, revertEvent{requester: from, entry: entry}); err != nil {
				from.Send(historyError(protocol.MsgHistoryRevert, err))
			}
		}()

	case protocol.MsgDocumentSave:
		if from.Identity().ReadOnly {
			from.Send(protocol.Stateless(protocol.MsgReadOnly, nil))
			return
		}
		message := env.String("message")
		if message == "" {
			message = "checkpoint"
		}
		rm.flush(message)

	default:
		if serverOnly[env.Msg] {
			rm.logger.Debug("ignoring server-only message from client", "session", from.ID(), "msg", env.Msg)
			return
		}
		rm.broadcast(protocol.Encode(protocol.TypeStateless, env.Raw), from.ID())
		rm.publish(bridge.KindStateless, from.ID(), env.Raw)
	}
}

// lookupHistory runs a history query off the room goroutine and replies to
// the requesting session only.
func (rm *Room) lookupHistory(to Peer, msg string, fn func(ctx context.Context) (map[string]any, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rm.registry.opts.StoreTimeout)
		defer cancel()
		fields, err := fn(ctx)
		if err != nil {
			to.Send(historyError(msg, err))
			return
		}
		to.Send(protocol.Stateless(msg, fields))
	}()
}
