// Package sanitize applies the session-layer input policy. The codec carries
// values verbatim; this package decides what reaches the arbiter.
package sanitize

import (
	"fmt"
	"math"

	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/message"
)

// Policy limits and shapes accepted input. The zero value clamps ranges and
// rejects non-finite values but imposes no size limits and no dead zone.
type Policy struct {
	MaxButton  uint    `json:"max_button,omitempty" yaml:"max_button,omitempty"` // highest accepted button index, 0 = unlimited
	MaxAxes    int     `json:"max_axes,omitempty" yaml:"max_axes,omitempty"`
	MaxHats    int     `json:"max_hats,omitempty" yaml:"max_hats,omitempty"`
	DeadZone   float64 `json:"dead_zone,omitempty" yaml:"dead_zone,omitempty"`
	TriggerMin float64 `json:"trigger_threshold,omitempty" yaml:"trigger_threshold,omitempty"`
}

// DefaultPolicy fits a standard two-stick gamepad with generous headroom.
func DefaultPolicy() Policy {
	return Policy{
		MaxButton: 127,
		MaxAxes:   16,
		MaxHats:   4,
	}
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	if p.MaxAxes < 0 || p.MaxHats < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative limit", errors.ErrInvalidConfig), "sanitize", "Validate", "check limits")
	}
	if p.DeadZone < 0 || p.DeadZone >= 1 || p.TriggerMin < 0 || p.TriggerMin >= 1 {
		return errors.WrapInvalid(fmt.Errorf("%w: dead_zone and trigger_threshold must be in [0,1)", errors.ErrInvalidConfig),
			"sanitize", "Validate", "check thresholds")
	}
	return nil
}

// Apply returns a normalized copy of in with axes clamped to [-1,1] and
// triggers to [0,1]. Values inside the dead zone or below the trigger
// threshold become 0. The token is stripped. Inputs that cannot be repaired
// (non-finite numbers, hats outside -1..1, size limits exceeded) return an
// error matching errors.ErrInvalidData.
func (p Policy) Apply(in message.Input) (message.Input, error) {
	out := in.Clone()
	out.Token = ""
	out.Normalize()

	if p.MaxButton > 0 && len(out.Buttons) > 0 && out.Buttons[len(out.Buttons)-1] > p.MaxButton {
		return message.Input{}, invalid("button index %d above %d", out.Buttons[len(out.Buttons)-1], p.MaxButton)
	}
	if p.MaxAxes > 0 && len(out.Axes) > p.MaxAxes {
		return message.Input{}, invalid("%d axes, limit %d", len(out.Axes), p.MaxAxes)
	}
	if p.MaxHats > 0 && len(out.Hats) > p.MaxHats {
		return message.Input{}, invalid("%d hats, limit %d", len(out.Hats), p.MaxHats)
	}

	for i, v := range out.Axes {
		if !finite(v) {
			return message.Input{}, invalid("axis %d is not finite", i)
		}
		v = clamp(v, -1, 1)
		if math.Abs(v) <= p.DeadZone {
			v = 0
		}
		out.Axes[i] = v
	}

	for i, h := range out.Hats {
		if h[0] < -1 || h[0] > 1 || h[1] < -1 || h[1] > 1 {
			return message.Input{}, invalid("hat %d out of range (%d,%d)", i, h[0], h[1])
		}
	}

	if !finite(out.Triggers.Left) || !finite(out.Triggers.Right) {
		return message.Input{}, invalid("trigger is not finite")
	}
	out.Triggers.Left = p.trigger(out.Triggers.Left)
	out.Triggers.Right = p.trigger(out.Triggers.Right)

	return out, nil
}

func (p Policy) trigger(v float64) float64 {
	v = clamp(v, 0, 1)
	if v <= p.TriggerMin {
		return 0
	}
	return v
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidData}, args...)...),
		"sanitize", "Apply", "validate input")
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
