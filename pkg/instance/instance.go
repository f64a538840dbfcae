// Package instance names the running process for logs and outbox leases.
package instance

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GetID returns TXCORE_INSTANCE_ID, then the platform dyno name, then the
// hostname.
func GetID() string {
	for _, key := range []string{"TXCORE_INSTANCE_ID", "DYNO"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}

// Owner returns an identity unique to this process, suitable for lease
// columns that must tell two replicas on one host apart.
func Owner() string {
	return fmt.Sprintf("%s-%d-%s", GetID(), os.Getpid(), uuid.NewString()[:8])
}
