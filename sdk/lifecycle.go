package sdk

import (
	"sync"

	"github.com/datatrails/go-datatrails-common/logger"
)

// lifecycleState tracks the single process-wide engine slot through its
// UNINIT -> INITIALIZING -> READY transitions (§4.8). There is exactly
// one slot per process; Create is the only way to populate it. Destroy
// clears it, and a failed build in Create returns it to UNINIT.
type lifecycleState int

const (
	stateUninit lifecycleState = iota
	stateInitializing
	stateReady
)

var (
	lifecycleMu sync.Mutex
	state       = stateUninit
	instance    *Engine
	initErr     error
	waiters     []chan struct{}
)

// Create returns the process's singleton Engine, building it on first
// call and handing the same instance to every caller afterward.
// Concurrent callers that arrive while a build is already underway
// block until it finishes and then share its outcome: one success is
// shared by all, one failure is returned to all and clears the slot so
// a later Create can retry.
func Create(cfg Config) (*Engine, error) {
	lifecycleMu.Lock()

	switch state {
	case stateReady:
		eng := instance
		lifecycleMu.Unlock()
		return eng, nil

	case stateInitializing:
		wait := make(chan struct{})
		waiters = append(waiters, wait)
		lifecycleMu.Unlock()

		<-wait

		lifecycleMu.Lock()
		defer lifecycleMu.Unlock()
		if state == stateReady {
			return instance, nil
		}
		return nil, initErr

	default: // stateUninit
		state = stateInitializing
		lifecycleMu.Unlock()

		eng, err := buildEngine(cfg, logger.Sugar)

		lifecycleMu.Lock()
		defer lifecycleMu.Unlock()
		if err != nil {
			state = stateUninit
			initErr = err
			instance = nil
		} else {
			state = stateReady
			instance = eng
			initErr = nil
		}
		for _, w := range waiters {
			close(w)
		}
		waiters = nil
		return instance, initErr
	}
}

// Destroy tears down the singleton engine, if any, and clears the slot
// so a subsequent Create starts a fresh initialization.
func Destroy() error {
	lifecycleMu.Lock()
	eng := instance
	state = stateUninit
	instance = nil
	initErr = nil
	lifecycleMu.Unlock()

	if eng == nil {
		return nil
	}
	return eng.teardown()
}

// IsInitialized reports whether the singleton engine is currently ready.
func IsInitialized() bool {
	lifecycleMu.Lock()
	defer lifecycleMu.Unlock()
	return state == stateReady
}
