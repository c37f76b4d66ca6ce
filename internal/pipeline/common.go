package pipeline

import (
	"errors"

	"github.com/offspot/image-creator/internal/ui"
)

func errString(s string) error { return errors.New(s) }

func dotOK() ui.DotStatus      { return ui.DotOK }
func dotNOK() ui.DotStatus     { return ui.DotNOK }
func dotNeutral() ui.DotStatus { return ui.DotNeutral }
