package signal

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (c *Client) writePump() {
	var tick <-chan time.Time
	if c.opts.PingPeriod > 0 {
		ticker := time.NewTicker(c.opts.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				_ = c.Close()
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("ping failed")
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		log.Debug().Str("module", "signal").Msg("readPump closing")
		_ = c.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch {
	case env.Ack != 0:
		c.mu.Lock()
		ch, ok := c.pending[env.Ack]
		delete(c.pending, env.Ack)
		c.mu.Unlock()
		if !ok {
			log.Warn().Str("module", "signal").Uint64("ack", env.Ack).Msg("ack without pending request")
			return
		}
		if len(env.Data) == 0 {
			env.Data = json.RawMessage("{}")
		}
		ch <- env.Data
	case env.Event != "":
		c.mu.Lock()
		fns := make([]func(json.RawMessage), 0, len(c.listeners[env.Event]))
		for _, fn := range c.listeners[env.Event] {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		if len(fns) == 0 {
			log.Debug().Str("module", "signal").Str("event", env.Event).Msg("push without listener")
			return
		}
		for _, fn := range fns {
			fn(env.Data)
		}
	default:
		log.Warn().Str("module", "signal").Msg("unknown frame")
	}
}
