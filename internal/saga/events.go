package saga

import "time"

// Events holds optional lifecycle callbacks. All fields may be nil. Callbacks
// run synchronously on the advancing goroutine; a panicking callback is
// swallowed so observers can never wedge a saga.
type Events struct {
	OnSagaStarted func(sagaID string)

	OnStepStarted   func(sagaID, step string, attempt int)
	OnStepCompleted func(sagaID, step string, took time.Duration)
	OnStepRetry     func(sagaID, step string, attempt int, reason string)
	OnStepFailed    func(sagaID, step string, reason string)

	OnCompensationStarted   func(sagaID, step string)
	OnCompensationCompleted func(sagaID, step string)
	OnCompensationFailed    func(sagaID, step string, reason string)

	OnSagaFinished func(sagaID string, status Status)
}

func (e *Events) emit(fn func()) {
	if e == nil || fn == nil {
		return
	}
	defer func() { _ = recover() }()
	fn()
}

func (e *Events) sagaStarted(id string) {
	e.emit(func() {
		if e.OnSagaStarted != nil {
			e.OnSagaStarted(id)
		}
	})
}

func (e *Events) stepStarted(id, step string, attempt int) {
	e.emit(func() {
		if e.OnStepStarted != nil {
			e.OnStepStarted(id, step, attempt)
		}
	})
}

func (e *Events) stepCompleted(id, step string, took time.Duration) {
	e.emit(func() {
		if e.OnStepCompleted != nil {
			e.OnStepCompleted(id, step, took)
		}
	})
}

func (e *Events) stepRetry(id, step string, attempt int, reason string) {
	e.emit(func() {
		if e.OnStepRetry != nil {
			e.OnStepRetry(id, step, attempt, reason)
		}
	})
}

func (e *Events) stepFailed(id, step, reason string) {
	e.emit(func() {
		if e.OnStepFailed != nil {
			e.OnStepFailed(id, step, reason)
		}
	})
}

func (e *Events) compensationStarted(id, step string) {
	e.emit(func() {
		if e.OnCompensationStarted != nil {
			e.OnCompensationStarted(id, step)
		}
	})
}

func (e *Events) compensationCompleted(id, step string) {
	e.emit(func() {
		if e.OnCompensationCompleted != nil {
			e.OnCompensationCompleted(id, step)
		}
	})
}

func (e *Events) compensationFailed(id, step, reason string) {
	e.emit(func() {
		if e.OnCompensationFailed != nil {
			e.OnCompensationFailed(id, step, reason)
		}
	})
}

func (e *Events) sagaFinished(id string, status Status) {
	e.emit(func() {
		if e.OnSagaFinished != nil {
			e.OnSagaFinished(id, status)
		}
	})
}

// FanoutEvents combines several observers into one, invoking each in order.
// Nil entries are skipped.
func FanoutEvents(sinks ...*Events) *Events {
	out := &Events{}
	out.OnSagaStarted = func(id string) {
		for _, s := range sinks {
			s.sagaStarted(id)
		}
	}
	out.OnStepStarted = func(id, step string, attempt int) {
		for _, s := range sinks {
			s.stepStarted(id, step, attempt)
		}
	}
	out.OnStepCompleted = func(id, step string, took time.Duration) {
		for _, s := range sinks {
			s.stepCompleted(id, step, took)
		}
	}
	out.OnStepRetry = func(id, step string, attempt int, reason string) {
		for _, s := range sinks {
			s.stepRetry(id, step, attempt, reason)
		}
	}
	out.OnStepFailed = func(id, step, reason string) {
		for _, s := range sinks {
			s.stepFailed(id, step, reason)
		}
	}
	out.OnCompensationStarted = func(id, step string) {
		for _, s := range sinks {
			s.compensationStarted(id, step)
		}
	}
	out.OnCompensationCompleted = func(id, step string) {
		for _, s := range sinks {
			s.compensationCompleted(id, step)
		}
	}
	out.OnCompensationFailed = func(id, step, reason string) {
		for _, s := range sinks {
			s.compensationFailed(id, step, reason)
		}
	}
	out.OnSagaFinished = func(id string, status Status) {
		for _, s := range sinks {
			s.sagaFinished(id, status)
		}
	}
	return out
}
