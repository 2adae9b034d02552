package bootstrap

// Phase is a lifecycle step of the process.
type Phase string

const (
	PhaseCreated  Phase = "created"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseServing  Phase = "serving"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
	PhaseFailed   Phase = "failed"
)

// PhaseListener is told about every phase change.
type PhaseListener interface {
	PhaseChanged(p Phase)
}

// PhaseListenerFunc adapts a function to PhaseListener.
type PhaseListenerFunc func(p Phase)

// PhaseChanged implements PhaseListener.
func (f PhaseListenerFunc) PhaseChanged(p Phase) { f(p) }

func (b *Bootstrap) setPhase(p Phase) {
	b.phaseMu.Lock()
	b.phase = p
	b.phaseMu.Unlock()
	b.registry.Pipeline.SetPhase(string(p))
	if b.cfg.PhaseListener != nil {
		b.cfg.PhaseListener.PhaseChanged(p)
	}
	b.logger.Debug("phase changed", phaseField(p))
}

// Phase returns the current lifecycle phase.
func (b *Bootstrap) Phase() Phase {
	b.phaseMu.Lock()
	defer b.phaseMu.Unlock()
	return b.phase
}
