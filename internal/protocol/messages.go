package protocol

import "encoding/json"

// Envelope keys of a JSON_MESSAGE or BROADCAST body. Bodies are routed as
// raw objects so client-defined fields survive delivery unchanged; only
// these keys carry broker-side meaning. The server stamps EnvelopeFrom with
// the sender's device id before delivery.
const (
	EnvelopeTargetID = "targetId"
	EnvelopePayload  = "payload"
	EnvelopeFrom     = "from"
)

// Reserved routing targets.
const (
	TargetBroadcast = "broadcast"
	TargetServer    = "server"
)

// Login is the decoded payload of a LOGIN frame. Legacy is set when the
// payload did not parse as JSON and the whole payload was taken as the token,
// with the device id defaulting to the connection's temporary id.
type Login struct {
	Token    string
	DeviceID string
	Legacy   bool
}

type loginJSON struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

// ParseLogin decodes a LOGIN payload. Old firmware sends the bare token
// instead of JSON, so a parse failure is the legacy path, not an error.
func ParseLogin(payload []byte, tempID string) Login {
	var lj loginJSON
	if err := json.Unmarshal(payload, &lj); err != nil {
		return Login{Token: string(payload), DeviceID: tempID, Legacy: true}
	}
	deviceID := lj.DeviceID
	if deviceID == "" {
		deviceID = tempID
	}
	return Login{Token: lj.Token, DeviceID: deviceID}
}

// Welcome is sent as a JSON_MESSAGE immediately after a successful LOGIN.
type Welcome struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
}

// WelcomeMessage is the fixed greeting text in the welcome payload.
const WelcomeMessage = "Connected to HyperTCP server"

// Admin event names.
const (
	EventDeviceConnected    = "deviceConnected"
	EventDeviceDisconnected = "deviceDisconnected"
	EventDeviceStatus       = "deviceStatus"
)

// DeviceConnectedEvent is emitted to admins when a device authenticates.
type DeviceConnectedEvent struct {
	Event     string `json:"event"`
	DeviceID  string `json:"deviceId"`
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
}

// DeviceDisconnectedEvent is emitted to admins when a device connection
// leaves its device group.
type DeviceDisconnectedEvent struct {
	Event              string  `json:"event"`
	DeviceID           string  `json:"deviceId"`
	ClientID           string  `json:"clientId"`
	ConnectionDuration float64 `json:"connectionDuration"`
	Timestamp          int64   `json:"timestamp"`
}

// DeviceStatusEvent is one entry of the snapshot sent to an admin right
// after it attaches, per currently registered device connection.
type DeviceStatusEvent struct {
	Event     string  `json:"event"`
	DeviceID  string  `json:"deviceId"`
	ClientID  string  `json:"clientId"`
	Status    string  `json:"status"`
	Uptime    float64 `json:"uptime"`
	Timestamp int64   `json:"timestamp"`
}
