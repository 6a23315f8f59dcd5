package deploy

import (
	"context"
	"sync"

	"github.com/splax/bothost/internal/domain"
	"github.com/splax/bothost/internal/service/logs"
	"github.com/splax/bothost/internal/service/supervisor"
)

// instance is the live state of one deployment.
type instance struct {
	key  domain.Key
	tail *logs.Tail

	mu        sync.Mutex
	state     domain.Deployment
	gen       uint64
	cancel    context.CancelFunc
	runDone   chan struct{}
	proc      *supervisor.Process
	stopping  bool
	nextLogID int64
	lastLogID map[domain.Stream]int64
	signal    *domain.QRPayload
}

func newInstance(key domain.Key, tailSize int) *instance {
	return &instance{
		key:  key,
		tail: logs.NewTail(tailSize),
		state: domain.Deployment{
			ServerID:     key.ServerID,
			DeploymentID: key.DeploymentID,
			Stage:        domain.StageIdle,
		},
		cancel:    func() {},
		lastLogID: make(map[domain.Stream]int64),
	}
}

// busy reports whether the instance blocks another deployment of the same
// server. A freshly reserved instance is still idle.
func (i *instance) busy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state.Stage == domain.StageIdle || i.state.Stage.Active()
}
