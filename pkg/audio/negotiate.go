package audio

import (
	"errors"
	"fmt"
)

// Negotiate picks the [Format] both devices will run with.
//
// If preferred is non-zero it is used as-is; otherwise the input device's
// default format is taken, so the output mirrors whatever the microphone
// delivers. Either way the chosen format must be supported by both devices,
// or an error wrapping [ErrStreamConfigMismatch] is returned.
func Negotiate(in, out Device, preferred Format) (Format, error) {
	f := preferred
	if f.IsZero() {
		def, err := in.DefaultFormat()
		if err != nil {
			return Format{}, fmt.Errorf("audio: default format of %q: %w", in.Name(), err)
		}
		f = def
	}
	if err := f.Validate(); err != nil {
		return Format{}, fmt.Errorf("%w: %w", ErrStreamConfigMismatch, err)
	}

	var errs []error
	if err := in.Supports(f); err != nil {
		errs = append(errs, fmt.Errorf("input %q: %w", in.Name(), err))
	}
	if err := out.Supports(f); err != nil {
		errs = append(errs, fmt.Errorf("output %q: %w", out.Name(), err))
	}
	if len(errs) > 0 {
		return Format{}, fmt.Errorf("audio: negotiate %s: %w", f, errors.Join(errs...))
	}
	return f, nil
}
