package events

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog"
)

const Prefix = "/realtime"

// NewSockJSHandler serves queue events under Prefix. Clients may send
// {"action":"subscribe","patient_id":N} to follow a single patient.
// Streaming transports are exempt from the server's write timeout.
func NewSockJSHandler(h *Hub, logger zerolog.Logger) http.Handler {
	sessions := newSessionHandler(h, logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
			logger.Debug().Err(err).Msg("clear realtime write deadline")
		}
		sessions.ServeHTTP(w, r)
	})
}

func newSessionHandler(h *Hub, logger zerolog.Logger) http.Handler {
	return sockjs.NewHandler(Prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)
		logger.Debug().Str("client_id", client.ID).Msg("realtime client connected")

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				logger.Debug().Str("client_id", client.ID).Msg("realtime client disconnected")
				return
			}
			parsed, ok := ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, Subscription{})
				continue
			}
			if parsed.PatientID < 0 {
				_ = session.Close(4000, "invalid patient id")
				return
			}
			h.UpdateSubscription(client, Subscription{PatientID: parsed.PatientID})
		}
	})
}
