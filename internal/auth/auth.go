// Package auth classifies login attempts. The broker treats the classifier
// as an opaque predicate so deployments can plug in their own credential
// checks.
package auth

import "strings"

// Decision is the outcome of classifying a login attempt.
type Decision int

const (
	// Reject refuses the connection.
	Reject Decision = iota
	// Device admits the connection as a regular device client.
	Device
	// Admin admits the connection as an admin client with access to the
	// lifecycle event feed.
	Admin
)

// Classifier decides how a (token, device id) pair is admitted.
type Classifier interface {
	Classify(token, deviceID string) Decision
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(token, deviceID string) Decision

func (f ClassifierFunc) Classify(token, deviceID string) Decision {
	return f(token, deviceID)
}

// Defaults for the static rule.
const (
	DefaultAdminToken  = "admin_token"
	DefaultAdminPrefix = "admin_"
)

// StaticClassifier implements the reference admission rule: a client is
// admin-classified when its device id carries the admin prefix or it
// presents the admin token. Admin admission requires the admin token;
// device admission requires the shared device token.
type StaticClassifier struct {
	DeviceToken string
	AdminToken  string
	AdminPrefix string
}

// NewStaticClassifier returns a StaticClassifier with the default admin
// token and prefix.
func NewStaticClassifier(deviceToken string) *StaticClassifier {
	return &StaticClassifier{
		DeviceToken: deviceToken,
		AdminToken:  DefaultAdminToken,
		AdminPrefix: DefaultAdminPrefix,
	}
}

func (c *StaticClassifier) Classify(token, deviceID string) Decision {
	if strings.HasPrefix(deviceID, c.AdminPrefix) || token == c.AdminToken {
		if token == c.AdminToken {
			return Admin
		}
		// Admin-classified but wrong credentials is still a failure.
		return Reject
	}
	if token == c.DeviceToken {
		return Device
	}
	return Reject
}
