package consts

const (
	MinTaylorOrder = 2    // lowest usable Taylor order
	RhoSafetyExp   = -0.7 // exponent numerator in the step safety factor
	DefaultRTol    = 1e-9
	DefaultATol    = 1e-9
)
