package builtin

import (
	"fmt"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/detector"
)

// NewRegistry builds a sealed registry holding the configured builtin
// detectors. Unknown detector names are rejected so a typo in config cannot
// silently disable a screen.
func NewRegistry(cfgs []config.DetectorConfig) (*detector.Registry, error) {
	reg := detector.NewRegistry()
	for _, dc := range cfgs {
		policy := detector.ParseFailurePolicy(dc.OnError)

		var (
			d   detector.Detector
			err error
		)
		switch dc.Name {
		case "pii":
			d, err = NewPIIDetector(policy, dc.Options)
		case "jailbreak":
			d = NewJailbreakDetector(policy)
		case "toxicity":
			d = NewToxicityDetector(policy)
		case "locale":
			d = NewLocaleDetector(policy)
		default:
			err = fmt.Errorf("unknown detector %q", dc.Name)
		}
		if err != nil {
			return nil, err
		}
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	reg.Seal()
	return reg, nil
}
