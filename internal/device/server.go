package device

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/galaxy-org/galaxy/internal/aip"
	"github.com/galaxy-org/galaxy/internal/common/logger"
	"github.com/galaxy-org/galaxy/internal/common/logger/tag"
	"github.com/galaxy-org/galaxy/internal/config"
)

// Handler returns the inbound AIP endpoint as a standalone router.
func (m *Manager) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/aip/v1/connect", m.HandleConnect)
	return r
}

// HandleConnect upgrades an inbound request to an AIP session. Devices that
// cannot accept an outbound dial connect here instead; the session protocol
// is identical from the register frame onward.
func (m *Manager) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn(r.Context(), "Websocket accept failed", tag.Error, err)
		return
	}

	sess := newSession(conn)
	msg, err := sess.readFrame(r.Context())
	if err != nil || msg.Type != aip.TypeRegister {
		sess.close(websocket.StatusProtocolError, "expected register")
		return
	}

	d, err := m.lookup(msg.DeviceID)
	if errors.Is(err, ErrUnknownDevice) {
		// Unlisted devices may self-register over the inbound endpoint.
		spec := config.DeviceSpec{
			DeviceID:     msg.DeviceID,
			Endpoint:     "inbound://" + r.RemoteAddr,
			Capabilities: msg.Capabilities,
			OS:           msg.OS,
			Metadata:     decodeMetadata(msg.Metadata),
			AutoConnect:  new(bool), // never dialed out
		}
		if regErr := m.Register(spec); regErr != nil && !errors.Is(regErr, ErrDuplicateDevice) {
			sess.close(websocket.StatusPolicyViolation, "registration rejected")
			return
		}
		d, err = m.lookup(msg.DeviceID)
	}
	if err != nil {
		sess.close(websocket.StatusInternalError, "lookup failed")
		return
	}

	ack, err := aip.Encode(aip.NewRegisterAck(true, ""))
	if err != nil {
		sess.close(websocket.StatusInternalError, "encode failed")
		return
	}
	if err := conn.Write(r.Context(), websocket.MessageText, ack); err != nil {
		sess.close(websocket.StatusAbnormalClosure, "ack write failed")
		return
	}

	d.mu.Lock()
	d.closing = false
	d.mu.Unlock()
	m.attach(d, sess)

	// Hold the handler open until the session ends; the hijacked connection
	// is owned by the session goroutines.
	select {
	case <-sess.done:
	case <-m.ctx.Done():
	}
}

func decodeMetadata(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	return meta
}
