package bootloader

import "time"

// Observer receives unit lifecycle events from Run, in execution order.
// Calls are made synchronously from the goroutine running the boot.
type Observer interface {
	UnitStarted(name string)
	UnitFinished(name string, took time.Duration, err error)
}

// ObserverFuncs adapts plain functions into an Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Started  func(name string)
	Finished func(name string, took time.Duration, err error)
}

func (o ObserverFuncs) UnitStarted(name string) {
	if o.Started != nil {
		o.Started(name)
	}
}

func (o ObserverFuncs) UnitFinished(name string, took time.Duration, err error) {
	if o.Finished != nil {
		o.Finished(name, took, err)
	}
}

// Observers fans events out to each non-nil observer in order.
func Observers(obs ...Observer) Observer {
	return multiObserver(obs)
}

type multiObserver []Observer

func (m multiObserver) UnitStarted(name string) {
	for _, o := range m {
		if o != nil {
			o.UnitStarted(name)
		}
	}
}

func (m multiObserver) UnitFinished(name string, took time.Duration, err error) {
	for _, o := range m {
		if o != nil {
			o.UnitFinished(name, took, err)
		}
	}
}

type nopObserver struct{}

func (nopObserver) UnitStarted(string)                       {}
func (nopObserver) UnitFinished(string, time.Duration, error) {}
