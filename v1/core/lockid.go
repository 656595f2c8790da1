package core

import (
	"os"
	"sync"

	"github.com/google/uuid"
	hcuuid "github.com/hashicorp/go-uuid"
)

var processLockID = sync.OnceValue(func() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "claim"
	}
	id, err := hcuuid.GenerateUUID()
	if err != nil {
		id = uuid.NewString()
	}
	return host + "-" + id
})

// ProcessLockID returns the lock id shared by every Store of this process
// that does not set WithLockID. It is generated once.
func ProcessLockID() string {
	return processLockID()
}
