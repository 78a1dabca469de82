// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tempoforge/turnsync/internal/session"
)

// UpdateHandler receives every state notice from every instance. A nil
// state marks a deletion. Notices for one session arrive in happens-after
// order relative to the write that produced them; across sessions there is
// no ordering guarantee.
type UpdateHandler func(sessionID string, state *session.Session)

// PushHandler receives opaque payloads published on the per-session push
// channel family.
type PushHandler func(sessionID string, payload []byte)

// SubscribeUpdates subscribes to the state notice channel and dispatches
// each notice to fn on a dedicated goroutine. The subscription is
// established before SubscribeUpdates returns; the returned stop function
// closes it.
func (s *Store) SubscribeUpdates(ctx context.Context, fn UpdateHandler) (func() error, error) {
	sub := s.client.Subscribe(ctx, s.updatesChannel())
	// Force the SUBSCRIBE round-trip so callers never miss notices
	// published after this call returns.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	go func() {
		for msg := range sub.Channel() {
			var notice updateNotice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				s.logger.Warn().Err(err).
					Str("event", "store.notice_corrupt").
					Msg("dropping undecodable update notice")
				continue
			}
			fn(notice.SessionID, notice.State)
		}
	}()

	return sub.Close, nil
}

// SubscribePush pattern-subscribes to the push channel family and
// dispatches payloads by session id, extracted from the channel name.
func (s *Store) SubscribePush(ctx context.Context, fn PushHandler) (func() error, error) {
	sub := s.client.PSubscribe(ctx, s.pushPattern())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	chanPrefix := s.prefix + "ws:"
	go func() {
		for msg := range sub.Channel() {
			id := strings.TrimPrefix(msg.Channel, chanPrefix)
			if id == "" || id == msg.Channel {
				continue
			}
			fn(id, []byte(msg.Payload))
		}
	}()

	return sub.Close, nil
}
