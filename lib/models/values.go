package models

import (
	"crypto/sha1"
	"fmt"
)

// Subscription states for SubscriberFeed. The empty string is the initial and
// terminal state: no push relationship with the remote hub.
const (
	StateInactive    = ""
	StateSubscribe   = "subscribe"
	StateActive      = "active"
	StateUnsubscribe = "unsubscribe"
	StateNoHub       = "nohub"
)

// HashKey derives the storage key for a (topic, callback) pair. The natural
// key is too long to index directly, so registrations are keyed by digest.
func HashKey(topic, callback string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(topic+"|"+callback)))
}
