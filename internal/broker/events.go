package broker

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hypertcp/hypertcp/internal/protocol"
)

// Admin feed and welcome frames are server-initiated JSON_MESSAGE frames.
// They carry MsgId=0: no client request is being answered.

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// jsonFrame marshals v and wraps it in a JSON_MESSAGE frame. Marshal
// failures are programming errors on these fixed shapes; they are logged
// and the frame dropped.
func jsonFrame(v any) ([]byte, bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal server event")
		return nil, false
	}
	buf, err := protocol.EncodeFrame(protocol.Frame{Type: protocol.CmdJSONMessage, Payload: payload})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode server event frame")
		return nil, false
	}
	return buf, true
}

func welcomeFrame(clientID string) ([]byte, bool) {
	return jsonFrame(protocol.Welcome{
		Type:      "welcome",
		Message:   protocol.WelcomeMessage,
		ClientID:  clientID,
		Timestamp: nowMillis(),
	})
}

func deviceConnectedFrame(deviceID, clientID string) ([]byte, bool) {
	return jsonFrame(protocol.DeviceConnectedEvent{
		Event:     protocol.EventDeviceConnected,
		DeviceID:  deviceID,
		ClientID:  clientID,
		Timestamp: nowMillis(),
	})
}

func deviceDisconnectedFrame(deviceID, clientID string, durationSeconds float64) ([]byte, bool) {
	return jsonFrame(protocol.DeviceDisconnectedEvent{
		Event:              protocol.EventDeviceDisconnected,
		DeviceID:           deviceID,
		ClientID:           clientID,
		ConnectionDuration: durationSeconds,
		Timestamp:          nowMillis(),
	})
}

func deviceStatusFrame(deviceID, clientID string, uptimeSeconds float64) ([]byte, bool) {
	return jsonFrame(protocol.DeviceStatusEvent{
		Event:     protocol.EventDeviceStatus,
		DeviceID:  deviceID,
		ClientID:  clientID,
		Status:    "connected",
		Uptime:    uptimeSeconds,
		Timestamp: nowMillis(),
	})
}
