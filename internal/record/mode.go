package record

import "fmt"

// Mode is the deployment topology currently active. It is derived, never
// stored authoritatively; the detector recomputes it.
type Mode string

const (
	ModeLocalOnly       Mode = "LOCAL_ONLY"
	ModeLocalExternal   Mode = "LOCAL_EXTERNAL"
	ModeLocalR2         Mode = "LOCAL_R2"
	ModeLocalExternalR2 Mode = "LOCAL_EXTERNAL_R2"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLocalOnly, ModeLocalExternal, ModeLocalR2, ModeLocalExternalR2:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown deployment mode %q", s)
}

// ModeFor maps store availability onto a mode.
func ModeFor(externalUp, objectUp bool) Mode {
	switch {
	case externalUp && objectUp:
		return ModeLocalExternalR2
	case externalUp:
		return ModeLocalExternal
	case objectUp:
		return ModeLocalR2
	default:
		return ModeLocalOnly
	}
}

func (m Mode) HasExternal() bool {
	return m == ModeLocalExternal || m == ModeLocalExternalR2
}

func (m Mode) HasObjectStore() bool {
	return m == ModeLocalR2 || m == ModeLocalExternalR2
}
