package guide

// PID is a positional PID controller for one image axis. The error term is
// the measurement relative to the setpoint; the pipeline negates the output
// so corrections oppose the measured offset.
type PID struct {
	kp, ki, kd float64
	setpoint   float64

	integral  float64
	lastError float64
	primed    bool
}

// NewPID returns a controller with the given gains and a zero setpoint.
func NewPID(kp, ki, kd float64) *PID {
	return &PID{kp: kp, ki: ki, kd: kd}
}

// SetPoint sets the target value the controller drives toward and clears
// the accumulated state.
func (p *PID) SetPoint(v float64) {
	p.setpoint = v
	p.integral = 0
	p.lastError = 0
	p.primed = false
}

// Update advances the controller with a new measurement and returns the
// control output.
func (p *PID) Update(value float64) float64 {
	err := value - p.setpoint
	p.integral += err
	var deriv float64
	if p.primed {
		deriv = err - p.lastError
	}
	p.lastError = err
	p.primed = true
	return p.kp*err + p.ki*p.integral + p.kd*deriv
}
